package sched

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vidmirror/internal/dest"
	"vidmirror/internal/ledger"
	"vidmirror/internal/publish"
	"vidmirror/internal/quota"
	"vidmirror/internal/source"
)

type fakeFetcher struct {
	candidates map[string]*source.Candidate
	err        error
}

func (f *fakeFetcher) Fetch(ctx context.Context, item source.Item, destDir string) (*source.Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.candidates[item.ID]
	if !ok {
		return nil, source.ErrItemNotFound
	}
	return c, nil
}

type fakeUploader struct {
	receipts map[string]*dest.PublishReceipt // keyed by file path
	err      error
	calls    []string
}

func (u *fakeUploader) UploadVideo(ctx context.Context, filePath string, meta dest.Metadata) (*dest.PublishReceipt, error) {
	u.calls = append(u.calls, filePath)
	if u.err != nil {
		return nil, u.err
	}
	if r, ok := u.receipts[filePath]; ok {
		return r, nil
	}
	return &dest.PublishReceipt{ID: "rem-" + filepath.Base(filePath), Status: "waiting"}, nil
}

type fakeConfirmer struct {
	results      map[string]*publish.Result // keyed by remote id
	resolveCalls []string
}

func (c *fakeConfirmer) AwaitPublish(ctx context.Context, remoteID string, deadline time.Time) (*publish.Result, error) {
	if r, ok := c.results[remoteID]; ok {
		return r, nil
	}
	return &publish.Result{Status: ledger.StatusPublished, PublishedAt: time.Unix(1700000100, 0).UTC()}, nil
}

func (c *fakeConfirmer) Resolve(ctx context.Context, remoteID string) (*publish.Result, error) {
	c.resolveCalls = append(c.resolveCalls, remoteID)
	return c.AwaitPublish(ctx, remoteID, time.Time{})
}

type fakeLinker struct {
	calls []linkCall
}

type linkCall struct {
	id     string
	fields map[string]string
}

func (l *fakeLinker) EditFields(ctx context.Context, id string, fields map[string]string) error {
	l.calls = append(l.calls, linkCall{id: id, fields: fields})
	return nil
}

func tempMedia(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("media"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testDriver(t *testing.T, now time.Time) (*Driver, *fakeFetcher, *fakeUploader, *fakeLinker) {
	t.Helper()
	return testDriverAt(t, t.TempDir(), now)
}

func testDriverAt(t *testing.T, dir string, now time.Time) (*Driver, *fakeFetcher, *fakeUploader, *fakeLinker) {
	t.Helper()
	l := ledger.Open(filepath.Join(dir, "uploads.ledger"))
	policy := testPolicy()
	acct := quota.NewAccountant(l, policy)

	ctrl := NewController(acct, policy, nil)
	ctrl.now = func() time.Time { return now }

	fetcher := &fakeFetcher{candidates: map[string]*source.Candidate{}}
	uploader := &fakeUploader{receipts: map[string]*dest.PublishReceipt{}}
	linker := &fakeLinker{}

	d := &Driver{
		Controller: ctrl,
		Fetcher:    fetcher,
		Uploader:   uploader,
		Confirmer:  &fakeConfirmer{results: map[string]*publish.Result{}},
		Linker:     linker,
		Ledger:     l,
		Published:  ledger.OpenPublishedLog(filepath.Join(dir, "published.log")),
		Processed:  ledger.OpenProcessedArchive(filepath.Join(dir, "processed.log")),
		Pending:    ledger.OpenPendingLog(filepath.Join(dir, "pending.log")),
		Policy:     policy,
		WorkDir:    dir,
		now:        func() time.Time { return now },
	}
	return d, fetcher, uploader, linker
}

func TestRunPublishesOneItem(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, fetcher, uploader, _ := testDriver(t, now)

	media := tempMedia(t, "vid1.mp4")
	fetcher.candidates["vid1"] = &source.Candidate{
		SourceID: "vid1", Kind: "channel", Title: "First",
		Duration: 600 * time.Second, FilePath: media, Size: 5,
	}
	uploader.receipts[media] = &dest.PublishReceipt{ID: "rem1", Status: "waiting"}

	state := testState(now)
	items := []source.Item{{Kind: "channel", ID: "vid1", Title: "First", Duration: 600 * time.Second}}

	stats, err := d.Run(context.Background(), items, state)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Eligible != 1 || stats.Fetched != 1 || stats.Uploaded != 1 || stats.Published != 1 {
		t.Errorf("stats = %+v, want 1/1/1/1", stats)
	}

	entries, err := d.Ledger.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RemoteID != "rem1" {
		t.Fatalf("ledger = %+v, want one rem1 entry", entries)
	}

	recs, err := d.Published.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].SourceID != "vid1" || recs[0].Part != 1 || recs[0].TotalParts != 1 {
		t.Errorf("published = %+v, want one vid1 part 1/1 record", recs)
	}

	done, err := d.Processed.Contains("channel", "vid1")
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("item not marked processed after publish")
	}

	if _, err := os.Stat(media); !os.IsNotExist(err) {
		t.Error("artifact not removed after publish confirmation")
	}

	pending, err := d.Pending.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending log = %+v, want empty after confirmation", pending)
	}
}

func TestRunSkipsLiveAndAlreadyHandled(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, _, uploader, _ := testDriver(t, now)

	if err := d.Processed.Mark("channel", "done"); err != nil {
		t.Fatal(err)
	}
	if err := d.Published.Append(ledger.PublishedRecord{
		MirrorTime: now, SourceID: "mirrored", RemoteID: "x",
		Duration: time.Minute, Part: 1, TotalParts: 1,
	}); err != nil {
		t.Fatal(err)
	}

	items := []source.Item{
		{Kind: "channel", ID: "live1", Live: true},
		{Kind: "channel", ID: "done"},
		{Kind: "channel", ID: "mirrored"},
	}
	stats, err := d.Run(context.Background(), items, testState(now))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Eligible != 0 {
		t.Errorf("Eligible = %d, want 0", stats.Eligible)
	}
	if len(uploader.calls) != 0 {
		t.Errorf("uploader called %d times, want 0", len(uploader.calls))
	}
}

func TestRunQuotaExceededWritesSyntheticEntry(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, fetcher, uploader, _ := testDriver(t, now)
	uploader.err = dest.ErrQuotaExceeded

	media := tempMedia(t, "vid1.mp4")
	fetcher.candidates["vid1"] = &source.Candidate{
		SourceID: "vid1", Kind: "channel", Title: "First",
		Duration: 600 * time.Second, FilePath: media,
	}

	items := []source.Item{
		{Kind: "channel", ID: "vid1", Duration: 600 * time.Second},
		{Kind: "channel", ID: "vid2", Duration: 600 * time.Second},
	}
	stats, err := d.Run(context.Background(), items, testState(now))
	if err != nil {
		t.Fatalf("Run() error = %v, want clean end on quota exhaustion", err)
	}
	if stats.Uploaded != 0 {
		t.Errorf("Uploaded = %d, want 0", stats.Uploaded)
	}
	// vid2 never reached: the run ends at the quota rejection.
	if stats.Eligible != 1 {
		t.Errorf("Eligible = %d, want 1", stats.Eligible)
	}

	entries, err := d.Ledger.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger has %d entries, want 1 synthetic", len(entries))
	}
	e := entries[0]
	if e.Duration != d.Policy.DurationCap {
		t.Errorf("synthetic duration = %s, want full cap %s", e.Duration, d.Policy.DurationCap)
	}
	if e.RemoteID != "" {
		t.Errorf("synthetic RemoteID = %q, want empty", e.RemoteID)
	}
	if e.Status != ledger.StatusPublished {
		t.Errorf("synthetic status = %s, want published", e.Status)
	}
}

func TestRunFetchFailureSkipsItem(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, fetcher, uploader, _ := testDriver(t, now)

	media := tempMedia(t, "vid2.mp4")
	fetcher.candidates["vid2"] = &source.Candidate{
		SourceID: "vid2", Kind: "channel", Title: "Second",
		Duration: 300 * time.Second, FilePath: media,
	}
	uploader.receipts[media] = &dest.PublishReceipt{ID: "rem2", Status: "waiting"}

	items := []source.Item{
		{Kind: "channel", ID: "vid1", Duration: 300 * time.Second}, // fetch fails
		{Kind: "channel", ID: "vid2", Duration: 300 * time.Second},
	}

	// Spacing would block vid2 right after vid1's failure; the failure writes
	// no ledger entry, so vid2 proceeds immediately.
	stats, err := d.Run(context.Background(), items, testState(now))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("Failed = %d, want 1", stats.Failed)
	}
	if stats.Published != 1 {
		t.Errorf("Published = %d, want 1", stats.Published)
	}
}

func TestRunLinksPreviousPart(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, fetcher, uploader, linker := testDriver(t, now)

	if err := d.Published.Append(ledger.PublishedRecord{
		MirrorTime: now.Add(-time.Hour), SourceID: "vid1", RemoteID: "prev-rem",
		Duration: 1800 * time.Second, Part: 1, TotalParts: 2, Title: "Long (part 1/2)",
	}); err != nil {
		t.Fatal(err)
	}

	media := tempMedia(t, "vid1.part02.mp4")
	fetcher.candidates["vid1"] = &source.Candidate{
		SourceID: "vid1", Kind: "channel", Title: "Long",
		Duration: 1800 * time.Second, FilePath: media,
		PartIndex: 2, TotalParts: 2,
	}
	uploader.receipts[media] = &dest.PublishReceipt{ID: "cur-rem", Status: "waiting"}

	items := []source.Item{{Kind: "channel", ID: "vid1", Duration: 1800 * time.Second}}
	if _, err := d.Run(context.Background(), items, testState(now)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(linker.calls) != 1 {
		t.Fatalf("linker called %d times, want 1", len(linker.calls))
	}
	call := linker.calls[0]
	if call.id != "prev-rem" {
		t.Errorf("linked id = %q, want prev-rem", call.id)
	}
	if call.fields["next_part_id"] != "cur-rem" {
		t.Errorf("next_part_id = %q, want cur-rem", call.fields["next_part_id"])
	}
}

func TestRunDefersPartWithUnpublishedPredecessor(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, fetcher, uploader, _ := testDriver(t, now)

	// Part 2 with no part-1 published record: uploading it would break the
	// part chain, so it waits for a later run instead.
	media := tempMedia(t, "vid1.part02.mp4")
	fetcher.candidates["vid1"] = &source.Candidate{
		SourceID: "vid1", Kind: "channel", Title: "Long",
		Duration: 1800 * time.Second, FilePath: media,
		PartIndex: 2, TotalParts: 2,
	}
	uploader.receipts[media] = &dest.PublishReceipt{ID: "cur-rem", Status: "waiting"}

	items := []source.Item{{Kind: "channel", ID: "vid1", Duration: 1800 * time.Second}}
	stats, err := d.Run(context.Background(), items, testState(now))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(uploader.calls) != 0 {
		t.Errorf("uploader called %d times, want 0 for an out-of-order part", len(uploader.calls))
	}
	if stats.Uploaded != 0 {
		t.Errorf("Uploaded = %d, want 0", stats.Uploaded)
	}
	if _, err := os.Stat(media); err != nil {
		t.Errorf("deferred artifact removed: %v", err)
	}

	done, err := d.Processed.Contains("channel", "vid1")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("item marked processed with a part still deferred")
	}
}

func TestLinkPreviousPartMissingRecordIsStructural(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, _, _, _ := testDriver(t, now)

	err := d.linkPreviousPart(context.Background(), "vid1", 2, "cur-rem")
	if !errors.Is(err, ErrStructural) {
		t.Errorf("linkPreviousPart() error = %v, want ErrStructural", err)
	}
}

func TestProcessQueueStopsAtMissingPart(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, _, uploader, _ := testDriver(t, now)

	// Part 2's cut failed, so the queue holds parts 1 and 3. Part 1 goes
	// through; part 3 must not be uploaded past the hole.
	part1 := tempMedia(t, "vid1.part01.mp4")
	part3 := tempMedia(t, "vid1.part03.mp4")
	queue := []source.Candidate{
		{SourceID: "vid1", Kind: "channel", Title: "Long", Duration: 600 * time.Second,
			FilePath: part1, PartIndex: 1, TotalParts: 3},
		{SourceID: "vid1", Kind: "channel", Title: "Long", Duration: 600 * time.Second,
			FilePath: part3, PartIndex: 3, TotalParts: 3},
	}

	stats := &Stats{}
	allPublished, err := d.processQueue(context.Background(), testState(now), queue, stats)
	if err != nil {
		t.Fatalf("processQueue() error = %v", err)
	}
	if allPublished {
		t.Error("allPublished = true with a part missing")
	}
	if len(uploader.calls) != 1 || uploader.calls[0] != part1 {
		t.Errorf("uploader calls = %v, want only part 1", uploader.calls)
	}
	if _, err := os.Stat(part3); err != nil {
		t.Errorf("deferred part 3 artifact removed: %v", err)
	}
}

func TestProcessQueueStopsAfterStalledPart(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, _, uploader, _ := testDriver(t, now)

	part1 := tempMedia(t, "vid1.part01.mp4")
	part2 := tempMedia(t, "vid1.part02.mp4")
	uploader.receipts[part1] = &dest.PublishReceipt{ID: "rem1", Status: "waiting"}
	d.Confirmer = &fakeConfirmer{results: map[string]*publish.Result{
		"rem1": {Status: ledger.StatusProcessing},
	}}

	queue := []source.Candidate{
		{SourceID: "vid1", Kind: "channel", Title: "Long", Duration: 600 * time.Second,
			FilePath: part1, PartIndex: 1, TotalParts: 2},
		{SourceID: "vid1", Kind: "channel", Title: "Long", Duration: 600 * time.Second,
			FilePath: part2, PartIndex: 2, TotalParts: 2},
	}

	stats := &Stats{}
	allPublished, err := d.processQueue(context.Background(), testState(now), queue, stats)
	if err != nil {
		t.Fatalf("processQueue() error = %v", err)
	}
	if allPublished {
		t.Error("allPublished = true with part 1 unconfirmed")
	}
	if len(uploader.calls) != 1 {
		t.Errorf("uploader called %d times, want 1: part 2 must wait for part 1", len(uploader.calls))
	}
}

func TestRunResolvesStalledUploadWithoutReupload(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	dir := t.TempDir()

	// First run: the upload is accepted but confirmation stalls at the
	// deadline, leaving a pending ledger entry and a pending row behind.
	d1, fetcher1, uploader1, _ := testDriverAt(t, dir, now)
	media := filepath.Join(dir, "vid1.mp4")
	if err := os.WriteFile(media, []byte("media"), 0644); err != nil {
		t.Fatal(err)
	}
	fetcher1.candidates["vid1"] = &source.Candidate{
		SourceID: "vid1", Kind: "channel", Title: "First",
		Duration: 600 * time.Second, FilePath: media,
	}
	uploader1.receipts[media] = &dest.PublishReceipt{ID: "rem1", Status: "waiting"}
	d1.Confirmer = &fakeConfirmer{results: map[string]*publish.Result{
		"rem1": {Status: ledger.StatusProcessing},
	}}

	items := []source.Item{{Kind: "channel", ID: "vid1", Duration: 600 * time.Second}}
	stats1, err := d1.Run(context.Background(), items, testState(now))
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if stats1.Uploaded != 1 || stats1.Published != 0 {
		t.Fatalf("first run stats = %+v, want 1 uploaded 0 published", stats1)
	}
	rows, err := d1.Pending.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].RemoteID != "rem1" || rows[0].SourceID != "vid1" {
		t.Fatalf("pending log after stall = %+v, want one rem1 row", rows)
	}

	// Second run over the same state: the stalled upload resolves to
	// published; the same video must not be transferred again.
	later := now.Add(time.Hour)
	d2, fetcher2, uploader2, _ := testDriverAt(t, dir, later)
	fetcher2.candidates["vid1"] = fetcher1.candidates["vid1"]
	confirmer := &fakeConfirmer{results: map[string]*publish.Result{
		"rem1": {Status: ledger.StatusPublished, PublishedAt: now.Add(30 * time.Minute)},
	}}
	d2.Confirmer = confirmer

	stats2, err := d2.Run(context.Background(), items, testState(later))
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if len(confirmer.resolveCalls) != 1 || confirmer.resolveCalls[0] != "rem1" {
		t.Errorf("resolve calls = %v, want one for rem1", confirmer.resolveCalls)
	}
	if len(uploader2.calls) != 0 {
		t.Errorf("second run uploaded %v, want no re-upload of an in-flight video", uploader2.calls)
	}
	if stats2.Published != 1 {
		t.Errorf("second run Published = %d, want 1 from resolution", stats2.Published)
	}

	entries, err := d2.Ledger.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger has %d entries, want 1: no double quota spend", len(entries))
	}
	recs, err := d2.Published.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].SourceID != "vid1" || recs[0].RemoteID != "rem1" {
		t.Errorf("published = %+v, want one vid1/rem1 record", recs)
	}
	rows, err = d2.Pending.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("pending log = %+v, want empty after resolution", rows)
	}
	if _, err := os.Stat(media); !os.IsNotExist(err) {
		t.Error("artifact not removed after late confirmation")
	}
}

func TestRunSkipsSourceStillInFlight(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	dir := t.TempDir()

	d, fetcher, uploader, _ := testDriverAt(t, dir, now)
	if err := d.Ledger.Append(ledger.Entry{
		Timestamp: now.Add(-time.Hour), Duration: 600 * time.Second,
		RemoteID: "rem1", Status: ledger.StatusProcessing,
	}); err != nil {
		t.Fatal(err)
	}
	if err := d.Pending.Append(ledger.PendingUpload{
		RemoteID: "rem1", SourceID: "vid1", Part: 1, TotalParts: 1, FileBase: "vid1.mp4",
	}); err != nil {
		t.Fatal(err)
	}
	d.Confirmer = &fakeConfirmer{results: map[string]*publish.Result{
		"rem1": {Status: ledger.StatusProcessing}, // still not settled
	}}
	fetcher.candidates["vid1"] = &source.Candidate{
		SourceID: "vid1", Kind: "channel", Title: "First",
		Duration: 600 * time.Second, FilePath: filepath.Join(dir, "vid1.mp4"),
	}

	items := []source.Item{{Kind: "channel", ID: "vid1", Duration: 600 * time.Second}}
	stats, err := d.Run(context.Background(), items, testState(now))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(uploader.calls) != 0 {
		t.Errorf("uploader called %d times, want 0 while the upload is in flight", len(uploader.calls))
	}
	if stats.Eligible != 0 {
		t.Errorf("Eligible = %d, want 0", stats.Eligible)
	}

	rows, err := d.Pending.Read()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("pending log = %+v, want the unresolved row kept", rows)
	}
}

func TestRunTerminalFailureLeavesItemUnprocessed(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	d, fetcher, uploader, _ := testDriver(t, now)

	media := tempMedia(t, "vid1.mp4")
	fetcher.candidates["vid1"] = &source.Candidate{
		SourceID: "vid1", Kind: "channel", Title: "First",
		Duration: 600 * time.Second, FilePath: media,
	}
	uploader.receipts[media] = &dest.PublishReceipt{ID: "rem1", Status: "waiting"}
	d.Confirmer = &fakeConfirmer{results: map[string]*publish.Result{
		"rem1": {Status: ledger.StatusFailed},
	}}

	items := []source.Item{{Kind: "channel", ID: "vid1", Duration: 600 * time.Second}}
	stats, err := d.Run(context.Background(), items, testState(now))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.Failed != 1 || stats.Published != 0 {
		t.Errorf("stats = %+v, want one failure and no publishes", stats)
	}

	done, err := d.Processed.Contains("channel", "vid1")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("item marked processed despite terminal upload failure")
	}
}
