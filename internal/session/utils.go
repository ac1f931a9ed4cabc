// Copyright 2025 Funnel Agent Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxInputLength caps stored user input
const MaxInputLength = 10000

var (
	sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,128}$`)
	controlChars     = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
)

// NewSessionID generates a session identifier for callers that do not
// bring their own
func NewSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateSessionID reports whether a caller-supplied session id is safe
// to use as a storage key
func ValidateSessionID(sessionID string) bool {
	return sessionIDPattern.MatchString(sessionID)
}

// SanitizeUserInput strips control characters (keeping newlines and tabs)
// and caps the length before a message is stored
func SanitizeUserInput(input string) string {
	input = controlChars.ReplaceAllString(input, "")
	if utf8.RuneCountInString(input) > MaxInputLength {
		runes := []rune(input)
		input = string(runes[:MaxInputLength])
	}
	return strings.TrimSpace(input)
}

// previewContent shortens message content for log fields
func previewContent(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	return string(runes[:limit]) + "..."
}
