package scratchpad

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testArtifact struct {
	SchemaVersion string `json:"schemaVersion" yaml:"schemaVersion"`
	Value         string `json:"value" yaml:"value"`
}

func (a *testArtifact) GetSchemaVersion() string     { return a.SchemaVersion }
func (a *testArtifact) SetSchemaVersion(v string)    { a.SchemaVersion = v }

func TestWriteTypedThenReadTypedRoundTrips(t *testing.T) {
	sp := New(t.TempDir(), time.Second)
	ref := Ref{ProjectID: "proj-1", Section: SectionIssues, LogicalName: "issue-1"}

	in := &testArtifact{Value: "hello"}
	require.NoError(t, sp.WriteTyped(ref, FormatJSON, "1.0.0", in))

	var out testArtifact
	require.NoError(t, sp.ReadTyped(ref, "1", &out))
	require.Equal(t, "hello", out.Value)
	require.Equal(t, "1.0.0", out.SchemaVersion)
}

func TestWriteMarkdownValidatesWellFormedDocument(t *testing.T) {
	sp := New(t.TempDir(), time.Second)
	ref := Ref{ProjectID: "proj-1", Section: SectionDocuments, LogicalName: "prd"}

	body := []byte("# Title\n\nSome narrative content.\n\n- one\n- two\n")
	require.NoError(t, sp.Write(ref, FormatMarkdown, body))

	data, format, err := sp.Read(ref)
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)
	require.Equal(t, body, data)
}

func TestReadTypedRejectsMissingSchemaVersion(t *testing.T) {
	sp := New(t.TempDir(), time.Second)
	ref := Ref{ProjectID: "proj-1", Section: SectionIssues, LogicalName: "issue-1"}

	require.NoError(t, sp.Write(ref, FormatJSON, []byte(`{"value":"hello"}`)))

	var out testArtifact
	err := sp.ReadTyped(ref, "1", &out)
	require.Error(t, err)
}

func TestReadTypedRejectsMajorVersionMismatch(t *testing.T) {
	sp := New(t.TempDir(), time.Second)
	ref := Ref{ProjectID: "proj-1", Section: SectionIssues, LogicalName: "issue-1"}

	in := &testArtifact{Value: "hello"}
	require.NoError(t, sp.WriteTyped(ref, FormatJSON, "2.0.0", in))

	var out testArtifact
	err := sp.ReadTyped(ref, "1", &out)
	require.Error(t, err)
}

func TestReadMissingArtifactIsNotFound(t *testing.T) {
	sp := New(t.TempDir(), time.Second)
	ref := Ref{ProjectID: "proj-1", Section: SectionIssues, LogicalName: "missing"}

	_, _, err := sp.Read(ref)
	require.Error(t, err)
}

func TestWithLockSerializesConcurrentWriters(t *testing.T) {
	sp := New(t.TempDir(), 5*time.Second)
	ref := Ref{ProjectID: "proj-1", Section: SectionProgress, LogicalName: "state"}

	var counter int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := sp.WithLock(context.Background(), ref, time.Now().Add(2*time.Second), func() error {
				mu.Lock()
				counter++
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 20, counter)
}

func TestWithLockTimesOutWhenHeld(t *testing.T) {
	sp := New(t.TempDir(), time.Second)
	ref := Ref{ProjectID: "proj-1", Section: SectionProgress, LogicalName: "state"}

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = sp.WithLock(context.Background(), ref, time.Now().Add(5*time.Second), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := sp.WithLock(context.Background(), ref, time.Now().Add(50*time.Millisecond), func() error {
		return nil
	})
	require.Error(t, err)
	close(release)
}

func TestListReturnsDistinctLogicalNames(t *testing.T) {
	sp := New(t.TempDir(), time.Second)
	ref1 := Ref{ProjectID: "proj-1", Section: SectionIssues, LogicalName: "a"}
	ref2 := Ref{ProjectID: "proj-1", Section: SectionIssues, LogicalName: "b"}

	require.NoError(t, sp.Write(ref1, FormatJSON, []byte(`{}`)))
	require.NoError(t, sp.Write(ref2, FormatJSON, []byte(`{}`)))

	names, err := sp.List("proj-1", SectionIssues)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, names)
}
