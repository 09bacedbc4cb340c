// dnf-json resolves package dependencies for image builds. It reads a
// single JSON request from stdin, loads the requested repositories'
// metadata, and writes a single JSON document to stdout: the command's
// result on success, a tagged error on failure.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/dnf-json/internal/request"
	"github.com/osbuild/dnf-json/internal/solver"
)

func main() {
	logrus.SetOutput(os.Stderr)
	if os.Getenv("DNF_JSON_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}

	result, err := run()
	if err != nil {
		fail(solver.Classify(err))
	}
	if err := json.NewEncoder(os.Stdout).Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "writing response: %v\n", err)
		os.Exit(1)
	}
}

func run() (interface{}, error) {
	req, err := request.Parse(os.Stdin)
	if err != nil {
		return nil, err
	}

	s, err := solver.New(req)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	return s.Solve()
}

func fail(e solver.Error) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", e.Kind, e.Reason)
	if err := json.NewEncoder(os.Stdout).Encode(e); err != nil {
		fmt.Fprintf(os.Stderr, "writing error response: %v\n", err)
	}
	os.Exit(1)
}
