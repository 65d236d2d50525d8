// Package methodset builds the forwardable RPC method set for
// cmd/charon-server from the three flags the original CLI exposed:
// --methods, --methods-json-spec, and --methods-exclude.
package methodset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "methodset")

// specEntry is one element of a --methods-json-spec file: a method or
// notification descriptor. Only entries carrying a "returns" key describe an
// actual RPC method; the rest describe notifications and are ignored here.
type specEntry struct {
	Name    string          `json:"name"`
	Returns json.RawMessage `json:"returns"`
}

// parseCommaSeparated splits a comma-separated flag value into a set,
// ignoring an empty input.
func parseCommaSeparated(list string) map[string]struct{} {
	res := map[string]struct{}{}
	if list == "" {
		return res
	}
	for _, s := range strings.Split(list, ",") {
		res[s] = struct{}{}
	}
	return res
}

// fromJSONSpec reads the method names carrying a "returns" key from a
// --methods-json-spec file, or an empty set if file is "".
func fromJSONSpec(file string) (map[string]struct{}, error) {
	res := map[string]struct{}{}
	if file == "" {
		return res, nil
	}

	log.WithField("file", file).Info("methodset: loading JSON specification")
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("methodset: reading spec file %q: %w", file, err)
	}
	var entries []specEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("methodset: invalid JSON specification %q: %w", file, err)
	}
	for _, e := range entries {
		if e.Returns != nil {
			log.WithField("method", e.Name).Info("methodset: using method from JSON spec")
			res[e.Name] = struct{}{}
		} else {
			log.WithField("method", e.Name).Info("methodset: ignoring notification")
		}
	}
	return res, nil
}

// Select returns the union of methods and the JSON-spec-derived methods,
// minus exclude, mirroring the original's GetSelectedMethods.
func Select(methods, exclude, jsonSpecFile string) ([]string, error) {
	all := parseCommaSeparated(methods)
	fromJSON, err := fromJSONSpec(jsonSpecFile)
	if err != nil {
		return nil, err
	}
	for m := range fromJSON {
		all[m] = struct{}{}
	}
	excluded := parseCommaSeparated(exclude)

	res := make([]string, 0, len(all))
	for m := range all {
		if _, skip := excluded[m]; skip {
			continue
		}
		res = append(res, m)
	}
	return res, nil
}
