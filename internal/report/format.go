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

package report

import (
	"fmt"
	"sort"
	"strings"
)

// FormatText renders a report as conversation text. Empty sections are
// omitted so a fallback report with no metrics reads cleanly.
func FormatText(rep *Report) string {
	if rep == nil {
		return ""
	}

	var sections []string

	if rep.Overview != "" {
		sections = append(sections, fmt.Sprintf("📊 Overview\n%s", rep.Overview))
	}
	if len(rep.Metrics) > 0 {
		sections = append(sections, fmt.Sprintf("\n📈 Key Metrics\n%s", formatMetrics(rep.Metrics)))
	}
	if len(rep.Insights) > 0 {
		sections = append(sections, fmt.Sprintf("\n💡 Insights\n%s", bulletList(rep.Insights)))
	}
	if len(rep.Recommendations) > 0 {
		sections = append(sections, fmt.Sprintf("\n🎯 Recommendations\n%s", bulletList(rep.Recommendations)))
	}

	return strings.Join(sections, "\n")
}

// formatMetrics renders one bullet per metric in key order. List values
// are joined inline; anything else prints with its default formatting.
func formatMetrics(metrics map[string]interface{}) string {
	keys := make([]string, 0, len(metrics))
	for key := range metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		switch value := metrics[key].(type) {
		case []interface{}:
			items := make([]string, len(value))
			for i, item := range value {
				items[i] = fmt.Sprintf("%v", item)
			}
			lines = append(lines, fmt.Sprintf("• %s: %s", key, strings.Join(items, ", ")))
		default:
			lines = append(lines, fmt.Sprintf("• %s: %v", key, value))
		}
	}
	return strings.Join(lines, "\n")
}

func bulletList(items []string) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = fmt.Sprintf("• %s", item)
	}
	return strings.Join(lines, "\n")
}
