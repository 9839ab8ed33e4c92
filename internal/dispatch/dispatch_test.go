package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kcenon/ad-sdlc/internal/errs"
	"github.com/kcenon/ad-sdlc/internal/security"
)

func TestDispatcherResolvesFirstSupportingTransport(t *testing.T) {
	in := NewInProcessTransport()
	in.Register("dev", func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Output: "ok", Success: true}, nil
	})

	d := New(in)
	resp, err := d.Dispatch(context.Background(), "implementation", Request{AgentType: "dev"}, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "ok", resp.Output)
}

func TestDispatcherFailsClosedWhenUnsupported(t *testing.T) {
	d := New(NewInProcessTransport())
	_, err := d.Dispatch(context.Background(), "implementation", Request{AgentType: "unknown"}, time.Now().Add(time.Second))
	require.Error(t, err)
	require.Equal(t, errs.KindAgentDispatchError, errs.KindOf(err))
}

func TestDispatcherWrapsTransportFailureAsAgentDispatchError(t *testing.T) {
	in := NewInProcessTransport()
	in.Register("dev", func(ctx context.Context, req Request) (*Response, error) {
		return nil, errs.New(errs.KindTimeout, "agent timed out")
	})

	d := New(in)
	_, err := d.Dispatch(context.Background(), "implementation", Request{AgentType: "dev"}, time.Now().Add(time.Second))
	require.Error(t, err)
	require.Equal(t, errs.KindAgentDispatchError, errs.KindOf(err))
}

func TestInProcessTransportBoundsHandlerByDeadline(t *testing.T) {
	in := NewInProcessTransport()
	in.Register("dev", func(ctx context.Context, req Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	_, err := in.Dispatch(context.Background(), Request{AgentType: "dev"}, time.Now().Add(20*time.Millisecond))
	require.Error(t, err)
}

func TestFileBridgeTransportPollsUntilResponseWritten(t *testing.T) {
	root := t.TempDir()
	fb := NewFileBridgeTransport(root, 10*time.Millisecond, []string{"dev"})
	require.True(t, fb.Supports("dev"))
	require.False(t, fb.Supports("qa"))

	go func() {
		outPath := filepath.Join(root, "bridge", "output", "dev.json")
		for {
			if _, err := os.Stat(filepath.Join(root, "bridge", "input", "dev.json")); err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		_ = os.MkdirAll(filepath.Dir(outPath), 0o755)
		data, _ := json.Marshal(map[string]interface{}{"output": "done", "success": true})
		_ = os.WriteFile(outPath, data, 0o644)
	}()

	resp, err := fb.Dispatch(context.Background(), Request{AgentType: "dev", Input: map[string]interface{}{"x": 1}}, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "done", resp.Output)
}

func TestFileBridgeTransportTimesOutWhenNoResponse(t *testing.T) {
	root := t.TempDir()
	fb := NewFileBridgeTransport(root, 10*time.Millisecond, []string{"dev"})

	_, err := fb.Dispatch(context.Background(), Request{AgentType: "dev"}, time.Now().Add(30*time.Millisecond))
	require.Error(t, err)
	require.Equal(t, errs.KindBridgeTimeout, errs.KindOf(err))
}

func TestFileBridgeTransportFallsBackToRawTextOutput(t *testing.T) {
	root := t.TempDir()
	fb := NewFileBridgeTransport(root, 10*time.Millisecond, []string{"dev"})

	go func() {
		outPath := filepath.Join(root, "bridge", "output", "dev.json")
		for {
			if _, err := os.Stat(filepath.Join(root, "bridge", "input", "dev.json")); err == nil {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		_ = os.MkdirAll(filepath.Dir(outPath), 0o755)
		_ = os.WriteFile(outPath, []byte("not json at all"), 0o644)
	}()

	resp, err := fb.Dispatch(context.Background(), Request{AgentType: "dev"}, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "not json at all", resp.Output)
}

func TestAuditingTransportLogsSuccessAndFailure(t *testing.T) {
	in := NewInProcessTransport()
	in.Register("ok", func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Output: "fine", Success: true}, nil
	})
	in.Register("bad", func(ctx context.Context, req Request) (*Response, error) {
		return nil, errs.New(errs.KindTimeout, "boom")
	})

	log := newRecordingAuditLog()
	at := NewAuditingTransport(in, log)

	_, err := at.Dispatch(context.Background(), Request{AgentType: "ok"}, time.Now().Add(time.Second))
	require.NoError(t, err)

	_, err = at.Dispatch(context.Background(), Request{AgentType: "bad"}, time.Now().Add(time.Second))
	require.Error(t, err)

	require.Len(t, log.entries, 2)
	require.Equal(t, security.AuditAgentDispatched, log.entries[0].EventType)
	require.Equal(t, security.AuditAgentFailed, log.entries[1].EventType)
}

type recordingAuditLog struct {
	entries []security.AuditEntry
}

func newRecordingAuditLog() *recordingAuditLog { return &recordingAuditLog{} }

func (r *recordingAuditLog) Append(entry security.AuditEntry) error {
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingAuditLog) Recent(limit int) ([]security.AuditEntry, error) {
	return r.entries, nil
}
