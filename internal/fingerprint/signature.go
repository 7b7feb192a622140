// Package fingerprint decides whether a node's effects are already up to
// date. It computes a lightweight signature over a node's inputs, outputs
// and parameters, and persists one small durable record per node so a
// re-invocation of the whole pipeline can resume where the last one
// stopped.
package fingerprint

import "maps"

// FileState is the recorded modification state of one path. Small files are
// content-hashed; larger files fall back to size plus modification time so
// fingerprinting stays cheap on big artifacts.
type FileState struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
	Hash    string `json:"hash,omitempty"`
}

// Signature summarizes everything that determines whether a node needs to
// run: the state of each input path, the state of each declared output
// path, and a hash of the node's parameters.
//
// Signatures are pure values; equality is structural.
type Signature struct {
	Params  string               `json:"params"`
	Inputs  map[string]FileState `json:"inputs,omitempty"`
	Outputs map[string]FileState `json:"outputs,omitempty"`
}

// Equal reports whether two signatures match exactly. Staleness in any one
// path makes the whole signature unequal, which is what forces a re-run.
func (s Signature) Equal(other Signature) bool {
	return s.Params == other.Params &&
		maps.Equal(s.Inputs, other.Inputs) &&
		maps.Equal(s.Outputs, other.Outputs)
}
