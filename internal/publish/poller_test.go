package publish

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vidmirror/internal/dest"
	"vidmirror/internal/ledger"
)

// scriptedStatus returns a fixed sequence of statuses, holding the last one.
type scriptedStatus struct {
	statuses []dest.VideoStatus
	calls    int
	err      error
}

func (s *scriptedStatus) Status(ctx context.Context, id string) (*dest.VideoStatus, error) {
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	s.calls++
	vs := s.statuses[i]
	return &vs, nil
}

func testPoller(t *testing.T, client StatusClient) (*Poller, *ledger.Ledger) {
	t.Helper()
	l := ledger.Open(filepath.Join(t.TempDir(), "uploads.ledger"))
	p := New(client, l)
	p.SetInterval(time.Millisecond)
	return p, l
}

func seedEntry(t *testing.T, l *ledger.Ledger, remoteID string) time.Time {
	t.Helper()
	ts := time.Unix(1700000000, 0).UTC()
	if err := l.Append(ledger.Entry{
		Timestamp: ts, Duration: 600 * time.Second,
		RemoteID: remoteID, Status: ledger.StatusWaiting,
	}); err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestAwaitPublishHappyPath(t *testing.T) {
	createdAt := time.Unix(1700000500, 0).UTC()
	client := &scriptedStatus{statuses: []dest.VideoStatus{
		{Status: "waiting"},
		{Status: "processing"},
		{Status: "ready"},
		{Status: "published", CreatedAt: createdAt},
	}}
	p, l := testPoller(t, client)
	seedEntry(t, l, "vid1")

	result, err := p.AwaitPublish(context.Background(), "vid1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("AwaitPublish() error = %v", err)
	}
	if !result.Published() {
		t.Errorf("Published() = false, want true")
	}
	if !result.PublishedAt.Equal(createdAt) {
		t.Errorf("PublishedAt = %v, want %v", result.PublishedAt, createdAt)
	}

	// Ledger entry rewritten to the authoritative remote creation time.
	entries, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Status != ledger.StatusPublished {
		t.Errorf("ledger status = %s, want published", entries[0].Status)
	}
	if !entries[0].Timestamp.Equal(createdAt) {
		t.Errorf("ledger timestamp = %v, want remote createdAt %v", entries[0].Timestamp, createdAt)
	}
}

func TestAwaitPublishUnexpectedTerminalStatus(t *testing.T) {
	client := &scriptedStatus{statuses: []dest.VideoStatus{
		{Status: "processing"},
		{Status: "rejected"},
	}}
	p, l := testPoller(t, client)
	original := seedEntry(t, l, "vid1")

	result, err := p.AwaitPublish(context.Background(), "vid1", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("AwaitPublish() error = %v", err)
	}
	if result.Status != ledger.StatusFailed {
		t.Errorf("Status = %s, want failed", result.Status)
	}

	entries, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Status != ledger.StatusFailed {
		t.Errorf("ledger status = %s, want failed", entries[0].Status)
	}
	// Failure keeps the provisional timestamp.
	if !entries[0].Timestamp.Equal(original) {
		t.Errorf("ledger timestamp = %v, want original %v", entries[0].Timestamp, original)
	}
}

func TestAwaitPublishStallsAtDeadline(t *testing.T) {
	client := &scriptedStatus{statuses: []dest.VideoStatus{{Status: "processing"}}}
	p, l := testPoller(t, client)
	now := time.Unix(1700000000, 0).UTC()
	p.now = func() time.Time { return now }
	p.SetInterval(time.Hour) // next poll would cross the deadline immediately
	seedEntry(t, l, "vid1")

	result, err := p.AwaitPublish(context.Background(), "vid1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("AwaitPublish() error = %v", err)
	}
	if result.Status != ledger.StatusProcessing {
		t.Errorf("Status = %s, want processing (last pending state)", result.Status)
	}
	if client.calls != 1 {
		t.Errorf("client polled %d times, want 1 before the deadline check", client.calls)
	}

	// The entry stays pending so a future run can re-poll it.
	unpublished, err := l.HasUnpublished()
	if err != nil {
		t.Fatal(err)
	}
	if !unpublished {
		t.Error("HasUnpublished() = false, want true after a stalled confirmation")
	}
}

func TestResolveChecksExactlyOnce(t *testing.T) {
	client := &scriptedStatus{statuses: []dest.VideoStatus{{Status: "processing"}}}
	p, l := testPoller(t, client)
	seedEntry(t, l, "vid1")

	result, err := p.Resolve(context.Background(), "vid1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if result.Status != ledger.StatusProcessing {
		t.Errorf("Status = %s, want processing", result.Status)
	}
	if client.calls != 1 {
		t.Errorf("client polled %d times, want exactly 1", client.calls)
	}
}

func TestResolveConfirmsPublish(t *testing.T) {
	createdAt := time.Unix(1700000500, 0).UTC()
	client := &scriptedStatus{statuses: []dest.VideoStatus{
		{Status: "published", CreatedAt: createdAt},
	}}
	p, l := testPoller(t, client)
	seedEntry(t, l, "vid1")

	result, err := p.Resolve(context.Background(), "vid1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !result.Published() {
		t.Error("Published() = false, want true")
	}

	entries, err := l.Read()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Status != ledger.StatusPublished {
		t.Errorf("ledger status = %s, want published", entries[0].Status)
	}
	if !entries[0].Timestamp.Equal(createdAt) {
		t.Errorf("ledger timestamp = %v, want remote createdAt %v", entries[0].Timestamp, createdAt)
	}
}

func TestAwaitPublishClientError(t *testing.T) {
	wantErr := errors.New("network down")
	p, l := testPoller(t, &scriptedStatus{err: wantErr})
	seedEntry(t, l, "vid1")

	_, err := p.AwaitPublish(context.Background(), "vid1", time.Now().Add(time.Minute))
	if !errors.Is(err, wantErr) {
		t.Errorf("AwaitPublish() error = %v, want wrapped %v", err, wantErr)
	}
}
