// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package confirm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Token Format
// =============================================================================

// A confirmation token is an opaque string "<digest>:<issuedAtMillis>" where
// digest is the first 32 hex characters of
// HMAC-SHA256(toolName|paramsFingerprint|issuedAtMillis, secret).
//
// The digest binds the token to one tool AND one exact parameter set: an
// operator who confirmed a 1 BTC order has not confirmed a 100 BTC order,
// even inside the TTL. The issuedAt half rides in cleartext so expiry can
// be checked before the HMAC is recomputed, but it is also covered by the
// digest, so back-dating a token invalidates it.

// digestHexLen is the truncated digest length in hex characters (128 bits).
const digestHexLen = 32

// ParamsFingerprint hashes a tool's parameters into a fixed-size string.
//
// Parameters are treated as an opaque canonicalized byte string: Go's JSON
// encoder emits map keys in sorted order, which is canonical enough for
// equality binding. No structural or schema-aware comparison is attempted.
// A nil parameter map fingerprints identically to an empty one.
func ParamsFingerprint(params map[string]interface{}) string {
	if params == nil {
		params = map[string]interface{}{}
	}
	// Marshal cannot fail for map[string]interface{} built from decoded
	// JSON; fall back to an empty object fingerprint if it somehow does.
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// computeDigest derives the truncated HMAC digest for a token's bound
// identity.
func computeDigest(toolName, paramsFingerprint string, issuedAtMillis int64, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%d", toolName, paramsFingerprint, issuedAtMillis)
	return hex.EncodeToString(mac.Sum(nil))[:digestHexLen]
}

// encodeToken assembles the wire form of a token.
func encodeToken(digest string, issuedAtMillis int64) string {
	return digest + ":" + strconv.FormatInt(issuedAtMillis, 10)
}

// decodeToken splits a wire token into its digest and issue instant.
// Returns an error for anything that does not look like digest:millis.
func decodeToken(token string) (digest string, issuedAt time.Time, err error) {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 || len(parts[0]) != digestHexLen {
		return "", time.Time{}, fmt.Errorf("malformed confirmation token")
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("malformed confirmation token timestamp")
	}
	return parts[0], time.UnixMilli(millis), nil
}
