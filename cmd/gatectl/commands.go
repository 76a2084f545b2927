// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	gatewayURL   string // Base URL of the gateway
	apiToken     string // Inbound bearer token
	confirmToken string // Token for re-submitting a confirmed call
	paramPairs   []string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var (
	rootCmd = &cobra.Command{
		Use:   "gatectl",
		Short: "A CLI to inspect and exercise a running AleutianGateway",
		Long: `gatectl talks to the gateway's HTTP API. It can check liveness,
list the declared tool catalog, and invoke tools - including walking the
confirm-then-resubmit flow for sensitive operations.`,
	}
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check gateway liveness",
		Run:   runHealthCommand,
	}
	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "List the declared tool catalog",
		Run:   runToolsCommand,
	}
	invokeCmd = &cobra.Command{
		Use:   "invoke [tool]",
		Short: "Invoke a tool through the gateway",
		Long: `Invokes a tool by name. Parameters are given as repeated -p key=value
flags. When the gateway answers with a confirmation prompt, re-run the
identical command with --confirm-token set to the returned token.

Examples:
  gatectl invoke get_market_price -p symbol=BTC-USD
  gatectl invoke place_order -p symbol=BTC-USD -p side=buy -p quantity=0.1
  gatectl invoke place_order -p symbol=BTC-USD -p side=buy -p quantity=0.1 \
      --confirm-token <token>`,
		Args: cobra.ExactArgs(1),
		Run:  runInvokeCommand,
	}
)

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "gateway-url",
		envOr("ALEUTIAN_GATEWAY_URL", "http://localhost:12240"),
		"Base URL of the gateway")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token",
		os.Getenv("ALEUTIAN_API_TOKEN"),
		"Bearer token for the gateway (defaults to ALEUTIAN_API_TOKEN)")

	invokeCmd.Flags().StringArrayVarP(&paramPairs, "param", "p", nil,
		"Tool parameter as key=value (repeatable)")
	invokeCmd.Flags().StringVar(&confirmToken, "confirm-token", "",
		"Confirmation token from a prior prompt")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(invokeCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATIONS
// =============================================================================

func runHealthCommand(cmd *cobra.Command, args []string) {
	body, status, err := doRequest(http.MethodGet, "/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Gateway unreachable: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Gateway unhealthy (HTTP %d): %s\n", status, body)
		os.Exit(1)
	}
	fmt.Printf("Gateway OK: %s\n", strings.TrimSpace(string(body)))
}

func runToolsCommand(cmd *cobra.Command, args []string) {
	body, status, err := doRequest(http.MethodGet, "/v1/tools", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	if status != http.StatusOK {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", status, body)
		os.Exit(1)
	}

	var envelope struct {
		Data struct {
			Tools []struct {
				Name        string `json:"name"`
				Tier        string `json:"tier"`
				Category    string `json:"category"`
				Service     string `json:"service"`
				Description string `json:"description"`
			} `json:"tools"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		fmt.Fprintf(os.Stderr, "Unexpected response: %s\n", body)
		os.Exit(1)
	}

	fmt.Printf("%-22s %-14s %-14s %-8s %s\n", "NAME", "TIER", "CATEGORY", "SERVICE", "DESCRIPTION")
	for _, tool := range envelope.Data.Tools {
		fmt.Printf("%-22s %-14s %-14s %-8s %s\n",
			tool.Name, tool.Tier, tool.Category, tool.Service, tool.Description)
	}
}

func runInvokeCommand(cmd *cobra.Command, args []string) {
	params := make(map[string]interface{}, len(paramPairs))
	for _, pair := range paramPairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			fmt.Fprintf(os.Stderr, "Invalid parameter %q, expected key=value\n", pair)
			os.Exit(1)
		}
		params[key] = coerceValue(value)
	}

	request := map[string]interface{}{"parameters": params}
	if confirmToken != "" {
		request["confirm_token"] = confirmToken
	}

	body, status, err := doRequest(http.MethodPost, "/v1/tools/"+args[0], request)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
	} else {
		fmt.Println(pretty.String())
	}
	if status >= 400 {
		os.Exit(1)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// doRequest issues one HTTP call against the gateway and returns the
// response body and status.
func doRequest(method, path string, payload interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, strings.TrimRight(gatewayURL, "/")+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// envOr returns the environment variable value or a fallback.
func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// coerceValue keeps numbers and booleans typed so the backend sees the
// same JSON an agent would send.
func coerceValue(value string) interface{} {
	var typed interface{}
	if err := json.Unmarshal([]byte(value), &typed); err == nil {
		switch typed.(type) {
		case float64, bool:
			return typed
		}
	}
	return value
}
