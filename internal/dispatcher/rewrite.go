package dispatcher

import (
	"encoding/json"
	"net/http"
	"strings"
)

// hopHeaders are stripped in both directions per the W3C rewrite rules:
// they describe the connection to one hop, not the proxied resource.
var hopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade"}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// copyHeaders copies src into dst, skipping hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// rewritePath replaces the public id segment with the child id segment in
// a request path of the form /session/{publicID}/....
func rewritePath(path, publicID, childID string) string {
	return strings.Replace(path, "/session/"+publicID, "/session/"+childID, 1)
}

// extractSessionID returns the driver-assigned sessionId from a POST
// /session response body. Both W3C response shapes are checked:
// {value: {sessionId: ...}} and the legacy {sessionId: ...}.
func extractSessionID(body []byte) (string, bool) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return "", false
	}

	if raw, ok := generic["value"]; ok {
		var value map[string]json.RawMessage
		if err := json.Unmarshal(raw, &value); err == nil {
			if id, ok := decodeSessionID(value); ok {
				return id, true
			}
		}
	}

	return decodeSessionID(generic)
}

func decodeSessionID(obj map[string]json.RawMessage) (string, bool) {
	raw, ok := obj["sessionId"]
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", false
	}
	return id, true
}

// rewriteSessionID replaces whichever sessionId shape is present in body
// with publicID. Reports false if neither shape was found.
func rewriteSessionID(body []byte, publicID string) ([]byte, bool) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, false
	}

	idJSON, err := json.Marshal(publicID)
	if err != nil {
		return nil, false
	}

	if raw, ok := generic["value"]; ok {
		var value map[string]json.RawMessage
		if err := json.Unmarshal(raw, &value); err == nil {
			if _, ok := value["sessionId"]; ok {
				value["sessionId"] = idJSON
				newValue, err := json.Marshal(value)
				if err == nil {
					generic["value"] = newValue
					out, err := json.Marshal(generic)
					if err == nil {
						return out, true
					}
				}
			}
		}
	}

	if _, ok := generic["sessionId"]; ok {
		generic["sessionId"] = idJSON
		out, err := json.Marshal(generic)
		if err == nil {
			return out, true
		}
	}

	return nil, false
}
