// Package request defines the wire format read from stdin and the
// schema validation applied to it before the solver touches the
// filesystem or the network.
package request

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Commands understood by the solver.
const (
	CmdDump     = "dump"
	CmdDepsolve = "depsolve"
	CmdSearch   = "search"
)

// Request is one solver invocation as read from stdin.
type Request struct {
	Command          string    `json:"command"`
	Arch             string    `json:"arch"`
	ModulePlatformID string    `json:"module_platform_id"`
	Releasever       string    `json:"releasever"`
	Proxy            string    `json:"proxy,omitempty"`
	CacheDir         string    `json:"cachedir,omitempty"`
	Arguments        Arguments `json:"arguments"`
}

// Arguments carries the command-specific part of a request.
type Arguments struct {
	Repos        []RepoDescriptor `json:"repos,omitempty"`
	RootDir      string           `json:"root_dir,omitempty"`
	Transactions []Transaction    `json:"transactions,omitempty"`
	Search       SearchArgs       `json:"search,omitempty"`
}

// SearchArgs select packages for the search command.
type SearchArgs struct {
	Packages []string `json:"packages"`
	Latest   bool     `json:"latest,omitempty"`
}

// Transaction is one step of a chained depsolve.
type Transaction struct {
	PackageSpecs    []string `json:"package-specs"`
	ExcludeSpecs    []string `json:"exclude-specs,omitempty"`
	RepoIDs         []string `json:"repo-ids,omitempty"`
	InstallWeakDeps bool     `json:"install_weak_deps,omitempty"`
}

// RepoDescriptor describes one repository supplied directly in the
// request. Exactly one of BaseURLs, Metalink, MirrorList must be set.
type RepoDescriptor struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	BaseURLs       []string `json:"baseurl,omitempty"`
	Metalink       string   `json:"metalink,omitempty"`
	MirrorList     string   `json:"mirrorlist,omitempty"`
	SSLVerify      *bool    `json:"sslverify,omitempty"`
	SSLCACert      string   `json:"sslcacert,omitempty"`
	SSLClientKey   string   `json:"sslclientkey,omitempty"`
	SSLClientCert  string   `json:"sslclientcert,omitempty"`
	GPGCheck       bool     `json:"gpgcheck,omitempty"`
	RepoGPGCheck   bool     `json:"repo_gpgcheck,omitempty"`
	GPGKey         string   `json:"gpgkey,omitempty"`
	GPGKeys        []string `json:"gpgkeys,omitempty"`
	MetadataExpire string   `json:"metadata_expire,omitempty"`
	ModuleHotfixes bool     `json:"module_hotfixes,omitempty"`
}

// ValidationError is returned for any schema or argument-presence
// failure. The caller reports it with kind "InvalidRequest".
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return e.Reason
}

const schemaText = `{
  "$id": "dnf-json-request",
  "type": "object",
  "required": ["command", "arch", "module_platform_id", "releasever", "arguments"],
  "properties": {
    "command": {"enum": ["dump", "depsolve", "search"]},
    "arch": {"type": "string", "minLength": 1},
    "module_platform_id": {"type": "string", "minLength": 1},
    "releasever": {"type": "string", "minLength": 1},
    "proxy": {"type": "string"},
    "cachedir": {"type": "string"},
    "arguments": {"type": "object", "minProperties": 1}
  }
}`

var schema = jsonschema.MustCompileString("dnf-json-request", schemaText)

// Parse reads a single JSON request from r and validates it. All
// failures come back as ValidationError; nothing here touches the
// filesystem or the network.
func Parse(r io.Reader) (*Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, ValidationError{Reason: fmt.Sprintf("reading request: %v", err)}
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, ValidationError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := schema.Validate(value); err != nil {
		return nil, ValidationError{Reason: err.Error()}
	}

	var req Request
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&req); err != nil {
		return nil, ValidationError{Reason: fmt.Sprintf("invalid request: %v", err)}
	}

	if err := req.validateArguments(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (req *Request) validateArguments() error {
	args := req.Arguments
	if len(args.Repos) == 0 && args.RootDir == "" {
		return ValidationError{Reason: "no 'repos' or 'root_dir' specified"}
	}
	switch req.Command {
	case CmdDepsolve:
		if len(args.Transactions) == 0 {
			return ValidationError{Reason: "no 'transactions' specified"}
		}
	case CmdSearch:
		if len(args.Search.Packages) == 0 {
			return ValidationError{Reason: "no search 'packages' specified"}
		}
	}
	return nil
}
