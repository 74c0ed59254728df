package app

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// loadDotenv sets variables from a KEY=VALUE file without overriding
// non-empty values already in the environment. It returns how many keys
// were set.
func loadDotenv(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return set, fmt.Errorf(".env line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return set, fmt.Errorf(".env line %d: empty key", lineNo)
		}
		val, err = dotenvValue(strings.TrimSpace(val))
		if err != nil {
			return set, fmt.Errorf(".env line %d: %w", lineNo, err)
		}

		if cur, ok := os.LookupEnv(key); ok && cur != "" {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, fmt.Errorf(".env line %d: %w", lineNo, err)
		}
		set++
	}
	return set, sc.Err()
}

// dotenvValue unquotes val. Unquoted values drop a trailing " #" comment.
func dotenvValue(val string) (string, error) {
	if len(val) >= 2 {
		switch {
		case val[0] == '"' && val[len(val)-1] == '"':
			return strconv.Unquote(val)
		case val[0] == '\'' && val[len(val)-1] == '\'':
			return val[1 : len(val)-1], nil
		}
	}
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return val, nil
}
