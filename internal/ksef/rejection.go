package ksef

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// knownErrorCodes describes the authority error codes users commonly hit.
var knownErrorCodes = map[string]string{
	"9101":  "Invalid document",
	"9102":  "Missing signature",
	"9103":  "Too many signatures",
	"9104":  "Not enough required signatures",
	"9105":  "Invalid signature content",
	"21001": "Unreadable content",
	"21111": "Invalid authorisation challenge",
	"21112": "Invalid token time",
	"21121": "Request limit reached",
	"21176": "Duplicate invoice in session context",
	"21401": "Document does not match the schema (XSD)",
	"21404": "Invalid document format (JSON)",
}

// DescribeErrorCode returns the description of a known authority error code.
func DescribeErrorCode(code string) (string, bool) {
	desc, ok := knownErrorCodes[code]
	return desc, ok
}

// ParseRejection turns an authority error payload (JSON or XML) into a user facing message of
// the form "KSeF <code>: <description>: <message>".
func ParseRejection(status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Sprintf("KSeF error (%d): no details provided.", status)
	}

	var code, msg string
	switch {
	case json.Valid(body):
		code, msg = rejectionFromJSON(body)
	case strings.HasPrefix(text, "<"):
		code, msg = rejectionFromXML(body)
	}

	if code == "" && msg == "" {
		return truncate(text, maxErrorText)
	}

	var parts []string
	if code != "" {
		parts = append(parts, "KSeF "+code)
		if desc, ok := knownErrorCodes[code]; ok && !strings.EqualFold(desc, msg) {
			parts = append(parts, desc)
		}
	} else {
		parts = append(parts, fmt.Sprintf("KSeF error (%d)", status))
	}
	if msg != "" {
		parts = append(parts, msg)
	}
	return truncate(strings.Join(parts, ": "), maxErrorText)
}

func rejectionFromJSON(body []byte) (code, msg string) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var m fieldMap
	if err := dec.Decode(&m); err != nil {
		return "", ""
	}

	code = m.str("code", "serviceCode", "errorCode")
	msg = m.str("message", "errorMessage", "details", "description")

	if fault, ok := m["fault"].(map[string]any); ok {
		f := fieldMap(fault)
		if code == "" {
			code = f.str("serviceCode", "code")
		}
		if msg == "" {
			msg = f.str("message", "details")
		}
	}

	// KSeF v1 style: {"exception": {"exceptionDetailList": [{"exceptionCode": 21401, ...}]}}
	if exc, ok := m["exception"].(map[string]any); ok {
		if list, ok := exc["exceptionDetailList"].([]any); ok && len(list) > 0 {
			if first, ok := list[0].(map[string]any); ok {
				d := fieldMap(first)
				if code == "" {
					code = d.str("exceptionCode")
				}
				if msg == "" {
					msg = d.str("exceptionDescription")
				}
			}
		}
	}
	return code, strings.TrimSpace(msg)
}

func rejectionFromXML(body []byte) (code, msg string) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return "", ""
	}

	first := func(tags ...string) string {
		for _, tag := range tags {
			if el := doc.FindElement("//" + tag); el != nil {
				if s := strings.TrimSpace(el.Text()); s != "" {
					return s
				}
			}
		}
		return ""
	}

	code = first("code", "serviceCode", "errorCode", "exceptionCode")
	msg = first("message", "details", "description", "errorMessage", "exceptionDescription")
	return code, msg
}
