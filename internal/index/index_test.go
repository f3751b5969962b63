package index

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/131/castor/internal/cas"
	"github.com/131/castor/internal/download"
	"github.com/131/castor/internal/lock"
)

const testVersion = "1.2.3"

func TestCanonicalizeChallenges(t *testing.T) {
	challenges := map[string]string{
		"foo":                  "foo",
		"this is it0":          "this is it0",
		"this //is i//t1":      "this /is i/t1",
		"/this //is it2":       "this /is it2",
		"/./this //is it3":     "this /is it3",
		"/./th/./is //is it5":  "th/is /is it5",
		"/start/?melon":        "start",
		"/start/sd?melon":      "start/sd",
		"/start/sd//?":         "start/sd",
		"this/is/it/?/a?//?ao": "this/is/it",
		"./relative/file.txt":  "relative/file.txt",
	}
	for input, expected := range challenges {
		if got := Canonicalize(input); got != expected {
			t.Fatalf("Canonicalize(%q) = %q, want %q", input, got, expected)
		}
		if SUID(input) != cas.HashString(expected) {
			t.Fatalf("SUID(%q) should hash the canonical name", input)
		}
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	inputs := []string{
		"", "/", "./", "//", "/./", "././/x", "a/./b//c/", "/.x", "?q", "a?b?c",
		"/./th/./is //is it5", "///a///b///", "./././a", "a/.", "dir/sub/",
	}
	for _, input := range inputs {
		once := Canonicalize(input)
		if twice := Canonicalize(once); twice != once {
			t.Fatalf("Canonicalize not idempotent for %q: %q then %q", input, once, twice)
		}
	}
}

func TestSUIDEquivalentNames(t *testing.T) {
	if SUID("/./this //is it3") != SUID("this /is it3") {
		t.Fatalf("equivalent names should share a suid")
	}
	if SUID("a") == SUID("b") {
		t.Fatalf("different names should not collide")
	}
}

func TestOpenCreatesVersionedDocument(t *testing.T) {
	store, _ := newTestStore(t)
	store.Sync()

	raw := readDocument(t, store)
	if raw["version"] != testVersion {
		t.Fatalf("expected version %s, got %v", testVersion, raw["version"])
	}
	if store.Legacy() {
		t.Fatalf("fresh store should not be legacy")
	}
	if store.Root() != filepath.Dir(store.IndexPath()) {
		t.Fatalf("storage root should be the index parent directory")
	}
}

func TestOpenUnparsableDocumentStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	if err := os.WriteFile(path, []byte("not json at all"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	store, err := Open(path, Options{Logger: quietLogger(), Version: testVersion})
	if err != nil {
		t.Fatalf("open should tolerate invalid content: %v", err)
	}
	if store.Version() != testVersion || len(store.Namespaces()) != 0 {
		t.Fatalf("expected empty versioned document, got version=%q namespaces=%v", store.Version(), store.Namespaces())
	}
}

func TestOpenLegacyDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	store, err := Open(path, Options{Logger: quietLogger(), Version: testVersion})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	if !store.Legacy() {
		t.Fatalf("document without version should be legacy")
	}
}

func TestDocumentValidatesTopLevelKeys(t *testing.T) {
	raw := `{"version":"9","media":{"s1":"h1"},"broken":42,"_props":{"media":{"complete":42}}}`
	doc := NewDocument("")
	if err := json.Unmarshal([]byte(raw), doc); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if doc.Version != "9" {
		t.Fatalf("version mismatch: %s", doc.Version)
	}
	if _, ok := doc.Namespaces["broken"]; ok {
		t.Fatalf("invalid namespace should be skipped")
	}
	media := doc.Namespaces["media"]
	if media == nil || media.Entries["s1"] != "h1" || media.Props["complete"] != float64(42) {
		t.Fatalf("media namespace not decoded: %+v", media)
	}
	if len(doc.skipped) != 1 || doc.skipped[0] != "broken" {
		t.Fatalf("expected broken to be reported, got %v", doc.skipped)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	var flat map[string]any
	if err := json.Unmarshal(encoded, &flat); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if _, ok := flat["_props"]; !ok {
		t.Fatalf("props should be serialized under _props: %s", encoded)
	}
	if _, ok := flat["media"].(map[string]any); !ok {
		t.Fatalf("namespace should be serialized at top level: %s", encoded)
	}
}

func TestStoreRejectsReservedNamespaces(t *testing.T) {
	store, _ := newTestStore(t)
	for _, name := range []string{"", "version", "_props"} {
		if _, err := store.Index(name); !errors.Is(err, cas.ErrBadArguments) {
			t.Fatalf("namespace %q should be rejected, got %v", name, err)
		}
	}
}

func TestCheckFileDownloadsAndUpdatesIndex(t *testing.T) {
	store, upstream := newTestStore(t)
	index := mustIndex(t, store, "media")
	data := upstream.serve("first payload")
	hash := cas.HashString(data)

	touched, err := index.CheckFile(context.Background(), "some/file", upstream.url(), hash, false)
	if err != nil {
		t.Fatalf("checkFile error: %v", err)
	}
	if !touched {
		t.Fatalf("first checkFile should report a change")
	}
	store.Sync()

	raw := readDocument(t, store)
	entries, _ := raw["media"].(map[string]any)
	if entries[SUID("some/file")] != hash {
		t.Fatalf("document should map the name to its hash: %v", raw)
	}
	if _, ok := raw["_props"]; ok {
		t.Fatalf("no props expected yet: %v", raw)
	}

	if err := index.SetProp("complete", 42).Wait(); err != nil {
		t.Fatalf("setProp persist error: %v", err)
	}
	if value, ok := index.GetProp("complete"); !ok || value != 42 {
		t.Fatalf("expected prop 42, got %v", value)
	}

	reopened, err := Open(store.IndexPath(), Options{Logger: quietLogger(), Version: testVersion})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	again := mustIndex(t, reopened, "media")
	if value, ok := again.GetProp("complete"); !ok || value != float64(42) {
		t.Fatalf("prop should survive reopen, got %v", value)
	}

	entry, ok, err := again.Get("/some//file")
	if err != nil || !ok {
		t.Fatalf("get after reopen failed: ok=%v err=%v", ok, err)
	}
	if entry.Hash != hash || entry.Size != int64(len(data)) {
		t.Fatalf("unexpected entry %+v", entry)
	}
	sum, _, err := cas.HashFile(entry.Path)
	if err != nil || sum != hash {
		t.Fatalf("blob on disk does not match: %s %v", sum, err)
	}
}

func TestCheckFileIsIdempotent(t *testing.T) {
	store, upstream := newTestStore(t)
	index := mustIndex(t, store, "media")
	hash := cas.HashString(upstream.serve("idempotent payload"))

	first, err := index.CheckFile(context.Background(), "name", upstream.url(), hash, false)
	if err != nil || !first {
		t.Fatalf("first call should change: %v %v", first, err)
	}
	second, err := index.CheckFile(context.Background(), "name", upstream.url(), hash, false)
	if err != nil || second {
		t.Fatalf("second call should be a no-op: %v %v", second, err)
	}
	if upstream.hits.Load() != 1 {
		t.Fatalf("expected one transfer, got %d", upstream.hits.Load())
	}
}

func TestCheckFileConcurrentCallers(t *testing.T) {
	store, upstream := newTestStore(t)
	upstream.delay = 200 * time.Millisecond
	index := mustIndex(t, store, "media")
	hash := cas.HashString(upstream.serve("concurrent payload"))

	var (
		wg      sync.WaitGroup
		touched [2]bool
		errs    [2]error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			touched[i], errs[i] = index.CheckFile(context.Background(), "shared", upstream.url(), hash, false)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("call %d failed: %v", i, errs[i])
		}
	}
	if !touched[0] || !touched[1] {
		t.Fatalf("both concurrent calls should report a change, got %v", touched)
	}
	if upstream.hits.Load() != 1 {
		t.Fatalf("exactly one caller should hit the network, got %d", upstream.hits.Load())
	}
	if ok, _ := index.CheckEntry("shared", hash); !ok {
		t.Fatalf("entry should be consistent after concurrent calls")
	}
}

func TestCheckFileRecoversZeroByteStub(t *testing.T) {
	store, upstream := newTestStore(t)
	index := mustIndex(t, store, "media")
	hash := cas.HashString(upstream.serve("stub payload"))

	if touched, err := index.CheckFile(context.Background(), "stub", upstream.url(), hash, false); err != nil || !touched {
		t.Fatalf("first call: %v %v", touched, err)
	}
	if touched, err := index.CheckFile(context.Background(), "stub", upstream.url(), hash, false); err != nil || touched {
		t.Fatalf("second call: %v %v", touched, err)
	}
	if err := os.WriteFile(store.Layout().Path(hash), nil, 0o644); err != nil {
		t.Fatalf("truncate error: %v", err)
	}
	if touched, err := index.CheckFile(context.Background(), "stub", upstream.url(), hash, false); err != nil || !touched {
		t.Fatalf("stub should be re-downloaded: %v %v", touched, err)
	}
}

func TestCheckFileHashChangeAndBackfill(t *testing.T) {
	store, upstream := newTestStore(t)
	index := mustIndex(t, store, "media")

	first := cas.HashString(upstream.serve("version one"))
	if _, err := index.CheckFile(context.Background(), "doc", upstream.url(), first, false); err != nil {
		t.Fatalf("first checkFile: %v", err)
	}
	second := cas.HashString(upstream.serve("version two"))
	touched, err := index.CheckFile(context.Background(), "doc", upstream.url(), second, false)
	if err != nil || !touched {
		t.Fatalf("hash change should download: %v %v", touched, err)
	}
	if ok, _ := index.CheckEntry("doc", second); !ok {
		t.Fatalf("entry should match the new hash")
	}
	if ok, _ := index.CheckEntry("doc", first); ok {
		t.Fatalf("entry should not match the old hash")
	}

	index.Reset()
	outcome, err := index.Reconcile("doc", second)
	if err != nil || outcome != Backfilled {
		t.Fatalf("expected backfill after reset, got %v %v", outcome, err)
	}
	if outcome, _ := index.Reconcile("doc", second); outcome != Matched {
		t.Fatalf("backfilled entry should now match, got %v", outcome)
	}
}

func TestCheckFileErrors(t *testing.T) {
	store, upstream := newTestStore(t)
	index := mustIndex(t, store, "media")
	upstream.serve("real content")
	falseHash := cas.HashString("something else")

	if _, err := index.CheckFile(context.Background(), "x", upstream.url(), falseHash, false); !errors.Is(err, cas.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
	if _, err := index.CheckFile(context.Background(), "x", upstream.server.URL+"/nope", falseHash, false); !errors.Is(err, cas.ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
	if ok, _ := index.CheckEntry("x", ""); ok {
		t.Fatalf("failed checkFile must not create a mapping")
	}

	bad := []struct{ name, url, hash string }{
		{"", "", ""},
		{"x", "", ""},
		{"x", upstream.url(), ""},
		{"", upstream.url(), falseHash},
	}
	for _, tc := range bad {
		if _, err := index.CheckFile(context.Background(), tc.name, tc.url, tc.hash, false); !errors.Is(err, cas.ErrBadArguments) {
			t.Fatalf("expected ErrBadArguments for %+v, got %v", tc, err)
		}
	}
}

func TestCheckEntryChallenges(t *testing.T) {
	store, _ := newTestStore(t)
	index := mustIndex(t, store, "media")

	if _, err := index.CheckEntry("", ""); !errors.Is(err, cas.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if ok, err := index.CheckEntry("unknown", ""); err != nil || ok {
		t.Fatalf("unknown name should be false: %v %v", ok, err)
	}

	notDownloaded := cas.HashString("never stored")
	index.update("ghost", notDownloaded)
	if ok, _ := index.CheckEntry("ghost", ""); ok {
		t.Fatalf("mapping without blob should be false")
	}
	if ok, _ := index.CheckEntry("ghost", cas.HashString("other")); ok {
		t.Fatalf("mismatching challenge should be false")
	}
	if _, ok, err := index.Get("ghost"); err != nil || ok {
		t.Fatalf("get should hide mappings whose blob is missing: %v %v", ok, err)
	}
}

func TestRemoveAndResetKeepList(t *testing.T) {
	store, _ := newTestStore(t)
	index := mustIndex(t, store, "media")
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := index.WriteBuffer(ctx, name, []byte("body-"+name)); err != nil {
			t.Fatalf("writeBuffer %s: %v", name, err)
		}
	}

	if err := index.Remove("a").Wait(); err != nil {
		t.Fatalf("remove persist error: %v", err)
	}
	if _, ok, _ := index.Get("a"); ok {
		t.Fatalf("a should be gone after remove")
	}
	if !store.Layout().Exists(cas.HashString("body-a")) {
		t.Fatalf("remove must not touch the blob")
	}

	index.Reset(cas.HashString("body-b"))
	if _, ok, _ := index.Get("b"); !ok {
		t.Fatalf("b is in the keep list and should survive")
	}
	if _, ok, _ := index.Get("c"); ok {
		t.Fatalf("c should be pruned by reset")
	}

	index.Reset()
	if _, ok, _ := index.Get("b"); ok {
		t.Fatalf("reset without keep list should clear the namespace")
	}
}

func TestWriteBufferLocalContent(t *testing.T) {
	store, _ := newTestStore(t)
	index := mustIndex(t, store, "local")
	ctx := context.Background()

	touched, err := index.WriteBuffer(ctx, "dummy", []byte("local body"))
	if err != nil || !touched {
		t.Fatalf("first write should touch: %v %v", touched, err)
	}
	entry, ok, _ := index.Get("dummy")
	if !ok {
		t.Fatalf("written buffer should be readable")
	}
	body, _ := os.ReadFile(entry.Path)
	if string(body) != "local body" {
		t.Fatalf("unexpected body %q", string(body))
	}

	touched, err = index.WriteBuffer(ctx, "dummy", []byte("local body"))
	if err != nil || touched {
		t.Fatalf("identical write should not touch: %v %v", touched, err)
	}

	touched, err = index.WriteBuffer(ctx, "dummy", []byte("altered body"))
	if err != nil || !touched {
		t.Fatalf("altered write should touch: %v %v", touched, err)
	}
	entry, _, _ = index.Get("dummy")
	if entry.Hash != cas.HashString("altered body") {
		t.Fatalf("mapping should follow the new content")
	}
}

func TestSendBuildsServePlan(t *testing.T) {
	store, upstream := newTestStore(t)
	index := mustIndex(t, store, "media")
	data := upstream.serve("0123456789012345678901234567890123456789")
	hash := cas.HashString(data)

	if _, err := index.CheckFile(context.Background(), "clip.mp4?aze=azeqsd", upstream.url(), hash, false); err != nil {
		t.Fatalf("checkFile error: %v", err)
	}

	plan, ok, err := index.Send("/clip.mp4")
	if err != nil || !ok {
		t.Fatalf("send should resolve: %v %v", ok, err)
	}
	if plan.Header.Get("Content-Length") != "40" {
		t.Fatalf("content-length mismatch: %s", plan.Header.Get("Content-Length"))
	}
	if plan.Header.Get("Content-MD5") != hash {
		t.Fatalf("content-md5 mismatch: %s", plan.Header.Get("Content-MD5"))
	}
	if plan.Header.Get("Content-Type") != "video/mp4" {
		t.Fatalf("content-type mismatch: %s", plan.Header.Get("Content-Type"))
	}
	f, err := plan.Open()
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	body, _ := io.ReadAll(f)
	f.Close()
	if string(body) != data {
		t.Fatalf("streamed body mismatch")
	}

	if _, ok, err := index.Send("/missing"); ok || err != nil {
		t.Fatalf("unknown path should defer to fallback: %v %v", ok, err)
	}
	if ContentType("archive.unknownext") == "" {
		t.Fatalf("content type should never be empty")
	}
}

func TestPersistKeepsLatestSnapshot(t *testing.T) {
	store, _ := newTestStore(t)
	index := mustIndex(t, store, "media")

	for i := 0; i < 50; i++ {
		index.SetProp("counter", i)
	}
	store.Sync()

	reopened, err := Open(store.IndexPath(), Options{Logger: quietLogger(), Version: testVersion})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	value, _ := mustIndex(t, reopened, "media").GetProp("counter")
	if value != float64(49) {
		t.Fatalf("expected last written value 49, got %v", value)
	}
}

func TestPersistRewritesDocumentChangedByAnotherWriter(t *testing.T) {
	store, _ := newTestStore(t)
	index := mustIndex(t, store, "media")
	if err := index.SetProp("owner", "first").Wait(); err != nil {
		t.Fatalf("setProp error: %v", err)
	}
	written, err := os.ReadFile(store.IndexPath())
	if err != nil {
		t.Fatalf("read index error: %v", err)
	}

	foreign := []byte(`{"version":"9.9.9","other":{}}`)
	if err := os.WriteFile(store.IndexPath(), foreign, 0o644); err != nil {
		t.Fatalf("foreign write error: %v", err)
	}

	if err := store.Persist().Wait(); err != nil {
		t.Fatalf("persist error: %v", err)
	}
	got, err := os.ReadFile(store.IndexPath())
	if err != nil {
		t.Fatalf("read index error: %v", err)
	}
	if string(got) != string(written) {
		t.Fatalf("identical snapshot should replace the foreign document, got %s", got)
	}
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	store, _ := newTestStore(t)
	store.Sync()
	index := mustIndex(t, store, "media")

	if err := os.Remove(store.IndexPath()); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if err := os.Mkdir(store.IndexPath(), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	commit := index.SetProp("complete", true)
	if err := commit.Wait(); err == nil {
		t.Fatalf("writing over a directory should fail")
	}
	if value, ok := index.GetProp("complete"); !ok || value != true {
		t.Fatalf("in-memory mutation should survive a failed write")
	}
}

func TestReachableSkipsMalformedHashes(t *testing.T) {
	store, _ := newTestStore(t)
	index := mustIndex(t, store, "media")
	index.update("bad", "not-a-hash")
	valid := cas.HashString("valid")
	index.update("good", valid)

	reachable := store.Reachable()
	if _, ok := reachable[store.IndexPath()]; !ok {
		t.Fatalf("index document must be reachable")
	}
	if _, ok := reachable[store.Layout().Path(valid)]; !ok {
		t.Fatalf("valid hash must be reachable")
	}
	if len(reachable) != 2 {
		t.Fatalf("expected 2 reachable paths, got %d", len(reachable))
	}
}

type testUpstream struct {
	server *httptest.Server
	hits   atomic.Int32
	delay  time.Duration

	mu   sync.Mutex
	data string
}

func (u *testUpstream) serve(data string) string {
	u.mu.Lock()
	u.data = data
	u.mu.Unlock()
	return data
}

func (u *testUpstream) url() string {
	return u.server.URL + "/blob"
}

func newTestStore(t *testing.T) (*Store, *testUpstream) {
	t.Helper()

	upstream := &testUpstream{}
	upstream.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/nope" {
			http.NotFound(w, r)
			return
		}
		upstream.hits.Add(1)
		if upstream.delay > 0 {
			time.Sleep(upstream.delay)
		}
		upstream.mu.Lock()
		data := upstream.data
		upstream.mu.Unlock()
		io.WriteString(w, data)
	}))
	t.Cleanup(upstream.server.Close)

	indexPath := filepath.Join(t.TempDir(), "media", "index.json")
	layout, err := cas.NewLayout(filepath.Dir(indexPath))
	if err != nil {
		t.Fatalf("layout error: %v", err)
	}
	locker, err := lock.NewFileLocker(t.TempDir())
	if err != nil {
		t.Fatalf("locker error: %v", err)
	}
	fetcher, err := download.New(download.Options{
		Layout:      layout,
		Locker:      locker,
		Logger:      quietLogger(),
		Backoff:     time.Millisecond,
		LockOptions: lock.Options{PollInterval: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("downloader error: %v", err)
	}

	store, err := Open(indexPath, Options{Logger: quietLogger(), Version: testVersion, Fetcher: fetcher})
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	t.Cleanup(store.Sync)
	return store, upstream
}

func mustIndex(t *testing.T, store *Store, ns string) *Index {
	t.Helper()
	index, err := store.Index(ns)
	if err != nil {
		t.Fatalf("index error: %v", err)
	}
	return index
}

func readDocument(t *testing.T, store *Store) map[string]any {
	t.Helper()
	data, err := os.ReadFile(store.IndexPath())
	if err != nil {
		t.Fatalf("read index error: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode index error: %v", err)
	}
	return raw
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
