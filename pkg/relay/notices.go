// Copyright 2026 © The pagerelay Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
)

// dispatchNotice describes an outgoing command. Snippet bodies are reported
// by length only.
func dispatchNotice(method Method, pageID string, params any) string {
	switch p := params.(type) {
	case QueryParams:
		return fmt.Sprintf("Querying %q on page %s", p.Selector, pageID)
	case Modification:
		return fmt.Sprintf("Modifying %q (%s) on page %s", p.Selector, p.Operation, pageID)
	case SnippetParams:
		return fmt.Sprintf("Running snippet (%d chars) on page %s", len(p.Code), pageID)
	default:
		return fmt.Sprintf("Sending %s to page %s", method, pageID)
	}
}

func failedNotice(method Method, pageID string, err error) string {
	return fmt.Sprintf("Failed %s on page %s: %v", method, pageID, err)
}

func replyNotice(method Method, pageID string) string {
	return fmt.Sprintf("Completed %s on page %s", method, pageID)
}

func replyErrorNotice(method Method, pageID, message string) string {
	return fmt.Sprintf("Error from page %s during %s: %s", pageID, method, message)
}

func timeoutNotice(method Method, pageID string, requestID int64) string {
	return fmt.Sprintf("Timed out waiting for %s (request %d) on page %s", method, requestID, pageID)
}
