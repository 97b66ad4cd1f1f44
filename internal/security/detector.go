package security

import (
	"encoding/json"
	"regexp"
)

// Detector scans request surfaces for suspicious payloads. It is
// detection-only: a match records an event that feeds the reputation engine
// but never rejects the request on its own; blocking happens once the
// accumulated risk score crosses the auto-block threshold.
type Detector struct {
	patterns []*regexp.Regexp
}

// Match describes the first suspicious pattern hit in a request.
type Match struct {
	Pattern  string `json:"pattern"`
	Location string `json:"location"`
	Value    string `json:"value"`
}

// NewDetector creates a detector over the compiled pattern list. Order is
// preserved: the first configured pattern that matches wins.
func NewDetector(patterns []*regexp.Regexp) *Detector {
	return &Detector{patterns: patterns}
}

// Inspect scans the user agent, URL, and request body in configured pattern
// order and returns the first match, or nil. JSON bodies are walked down to
// their string leaves; anything else is scanned as a single string.
func (d *Detector) Inspect(userAgent, url string, body []byte) *Match {
	for _, re := range d.patterns {
		if userAgent != "" && re.MatchString(userAgent) {
			return &Match{Pattern: re.String(), Location: "user_agent", Value: truncate(userAgent)}
		}
		if url != "" && re.MatchString(url) {
			return &Match{Pattern: re.String(), Location: "url", Value: truncate(url)}
		}
		if match := scanBody(re, body); match != nil {
			return match
		}
	}
	return nil
}

func scanBody(re *regexp.Regexp, body []byte) *Match {
	if len(body) == 0 {
		return nil
	}

	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		raw := string(body)
		if re.MatchString(raw) {
			return &Match{Pattern: re.String(), Location: "body", Value: truncate(raw)}
		}
		return nil
	}

	var match *Match
	walkStringLeaves(decoded, "body", func(path, s string) bool {
		if re.MatchString(s) {
			match = &Match{Pattern: re.String(), Location: path, Value: truncate(s)}
			return false
		}
		return true
	})
	return match
}

// walkStringLeaves visits every string leaf of a decoded JSON value in
// depth-first order, independent of the payload's shape. The visit function
// returns false to stop the walk.
func walkStringLeaves(v interface{}, path string, visit func(path, s string) bool) bool {
	switch val := v.(type) {
	case string:
		return visit(path, val)
	case map[string]interface{}:
		for key, child := range val {
			if !walkStringLeaves(child, path+"."+key, visit) {
				return false
			}
		}
	case []interface{}:
		for _, child := range val {
			if !walkStringLeaves(child, path+"[]", visit) {
				return false
			}
		}
	}
	return true
}

// truncate caps detail values so event records stay small.
func truncate(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max]
	}
	return s
}
