package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// FileBridgeTransport writes a request envelope to
// <root>/input/<agentType>.json and polls <root>/output/<agentType>.json
// at a bounded interval until a response appears or deadline passes. The
// poll loop is grounded on the teacher's background.go runAgentLoop
// ticker/select idiom.
type FileBridgeTransport struct {
	root         string
	pollInterval time.Duration
	supportedSet map[string]bool
}

// NewFileBridgeTransport builds a FileBridgeTransport rooted at
// <scratchpadRoot>/bridge, supporting exactly the given agent types.
func NewFileBridgeTransport(scratchpadRoot string, pollInterval time.Duration, supportedAgentTypes []string) *FileBridgeTransport {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	set := make(map[string]bool, len(supportedAgentTypes))
	for _, t := range supportedAgentTypes {
		set[t] = true
	}
	return &FileBridgeTransport{
		root:         filepath.Join(scratchpadRoot, "bridge"),
		pollInterval: pollInterval,
		supportedSet: set,
	}
}

// Supports reports whether agentType was declared supported at construction.
func (t *FileBridgeTransport) Supports(agentType string) bool {
	return t.supportedSet[agentType]
}

type bridgeRequestEnvelope struct {
	AgentType         string                 `json:"agentType"`
	Input             map[string]interface{} `json:"input"`
	ScratchpadDir     string                 `json:"scratchpadDir"`
	ProjectDir        string                 `json:"projectDir"`
	PriorStageOutputs map[string]string      `json:"priorStageOutputs"`
}

type bridgeResponseEnvelope struct {
	Output    string   `json:"output"`
	Artifacts []string `json:"artifacts,omitempty"`
	Success   bool     `json:"success"`
	Error     string   `json:"error,omitempty"`
}

// Dispatch writes the request envelope, then polls for the matching
// response file until it appears, the context is cancelled, or deadline
// passes (BridgeTimeout).
func (t *FileBridgeTransport) Dispatch(ctx context.Context, req Request, deadline time.Time) (*Response, error) {
	inputDir := filepath.Join(t.root, "input")
	outputDir := filepath.Join(t.root, "output")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIOError, "create bridge input directory", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIOError, "create bridge output directory", err)
	}

	inputPath := filepath.Join(inputDir, req.AgentType+".json")
	outputPath := filepath.Join(outputDir, req.AgentType+".json")

	// Clear any stale response from a prior dispatch before writing the
	// new request, so we never read a leftover answer to a different call.
	os.Remove(outputPath)

	envelope := bridgeRequestEnvelope{
		AgentType:         req.AgentType,
		Input:             req.Input,
		ScratchpadDir:     req.ScratchpadDir,
		ProjectDir:        req.ProjectDir,
		PriorStageOutputs: req.PriorStageOutputs,
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, "marshal bridge request", err)
	}

	tmp := inputPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, errs.Wrap(errs.KindIOError, "write bridge request", err)
	}
	if err := os.Rename(tmp, inputPath); err != nil {
		os.Remove(tmp)
		return nil, errs.Wrap(errs.KindIOError, "commit bridge request", err)
	}

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		if data, err := os.ReadFile(outputPath); err == nil {
			return parseBridgeResponse(data), nil
		} else if !os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindIOError, "read bridge response", err)
		}

		if time.Now().After(deadline) {
			return nil, errs.New(errs.KindBridgeTimeout, "bridge response timed out for "+req.AgentType)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindCancelled, "bridge dispatch cancelled", ctx.Err())
		}
	}
}

// parseBridgeResponse decodes a response as the structured
// {output,artifacts?,success} envelope; if that fails, the raw bytes are
// treated as the output text of a successful call, per §4.5/§6's
// raw-text fallback.
func parseBridgeResponse(data []byte) *Response {
	var env bridgeResponseEnvelope
	if err := json.Unmarshal(data, &env); err == nil && (env.Output != "" || env.Success || env.Error != "") {
		return &Response{Output: env.Output, Artifacts: env.Artifacts, Success: env.Success, Error: env.Error}
	}
	return &Response{Output: string(data), Success: true}
}
