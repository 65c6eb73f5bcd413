package collab

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folioServer/backend/internal/event"
	"folioServer/backend/internal/htmlfilter"
	"folioServer/backend/internal/lease"
	"folioServer/backend/internal/model"
	"folioServer/backend/internal/store"
	"folioServer/backend/internal/treemerge"
)

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) Publish(evt event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
}

func (l *eventLog) ofType(typ string) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, e := range l.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	svc    *Service
	events *eventLog
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	catalog, err := store.NewCatalog(t.TempDir(), store.CatalogOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	events := &eventLog{}
	svc := NewService(ServiceDeps{
		Store:     catalog,
		Writers:   lease.NewWriterLeases(lease.Options{Sink: events}),
		Locks:     lease.NewPresenceLocks(lease.Options{Sink: events}),
		Revisions: NewRevisions(events),
		HTML:      htmlfilter.New(),
		Logger:    zerolog.Nop(),
	})
	return fixture{svc: svc, events: events}
}

func TestRevisions_BumpOrdersPerDocument(t *testing.T) {
	events := &eventLog{}
	r := NewRevisions(events)
	assert.Equal(t, uint64(1), r.Bump("a", "s1", true))
	assert.Equal(t, uint64(2), r.Bump("a", "s2", false))
	assert.Equal(t, uint64(1), r.Bump("b", "s1", false))
	assert.Equal(t, uint64(2), r.Current("a"))

	inv := events.ofType(event.TypeInvalidated)
	require.Len(t, inv, 3)
	assert.True(t, inv[0].Structural)
	assert.Equal(t, "s2", inv[1].Actor)
	assert.Equal(t, uint64(2), inv[1].Revision)

	r.Forget("a")
	assert.Zero(t, r.Current("a"))
}

func TestRevisions_ConcurrentBumpsAreSequential(t *testing.T) {
	events := &eventLog{}
	r := NewRevisions(events)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Bump("doc", "s", false)
		}()
	}
	wg.Wait()

	inv := events.ofType(event.TypeInvalidated)
	require.Len(t, inv, 50)
	for i, e := range inv {
		assert.Equal(t, uint64(i+1), e.Revision)
	}
}

func TestService_CreateOpenSave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc, meta, err := f.svc.CreateDocument(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, meta.ID)
	assert.Zero(t, meta.Version)

	opened, version, err := f.svc.OpenDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.Equal(t, doc.ID, opened.ID)
	assert.Equal(t, doc.RootCollectionID, opened.RootCollectionID)

	_, err = opened.AddPage(opened.RootCollectionID, "Intro")
	require.NoError(t, err)

	// 没有写租约
	_, err = f.svc.SaveDocument(ctx, "alice", "s1", opened, &version, true)
	assert.ErrorIs(t, err, ErrNotWriter)

	res := f.svc.Writers().TryBecomeWriter(doc.ID, "alice", "s1", false)
	require.Equal(t, lease.Granted, res.Outcome)
	v, err := f.svc.SaveDocument(ctx, "alice", "s1", opened, &version, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)

	// 旧版本再保存被拒绝
	_, err = f.svc.SaveDocument(ctx, "alice", "s1", opened, &version, true)
	assert.ErrorIs(t, err, model.ErrConcurrency)

	inv := f.events.ofType(event.TypeInvalidated)
	require.Len(t, inv, 1)
	assert.Equal(t, "s1", inv[0].Actor)
	assert.True(t, inv[0].Structural)
}

func TestService_SaveFiltersSnippetHTML(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, meta, err := f.svc.CreateDocument(ctx, "dirty")
	require.NoError(t, err)
	p, err := doc.AddPage(doc.RootCollectionID, "P")
	require.NoError(t, err)
	_, err = doc.AddSnippet(p.ID, `<script>alert(1)</script><p onclick="evil()">x</p>`)
	require.NoError(t, err)

	f.svc.Writers().TryBecomeWriter(doc.ID, "alice", "s1", false)
	_, err = f.svc.SaveDocument(ctx, "alice", "s1", doc, &meta.Version, true)
	require.NoError(t, err)

	opened, _, err := f.svc.OpenDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "<p>x</p>", opened.Pages[p.ID].Snippets[0].HTML)
}

func TestService_WriterCheckIncludesUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, meta, err := f.svc.CreateDocument(ctx, "owned")
	require.NoError(t, err)
	f.svc.Writers().TryBecomeWriter(doc.ID, "alice", "tab-a", false)

	// 别的用户拿着同一个会话 ID
	_, err = f.svc.SaveDocument(ctx, "mallory", "tab-a", doc, &meta.Version, true)
	assert.ErrorIs(t, err, ErrNotWriter)
	_, err = f.svc.ImportPayload(ctx, ImportRequest{DocID: doc.ID, UserID: "mallory", SessionID: "tab-a", Payload: []byte(`{"id":"p","snippets":[]}`)})
	assert.ErrorIs(t, err, ErrNotWriter)
}

func TestService_OpenUsesCatalogName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _, err := f.svc.CreateDocument(ctx, "before")
	require.NoError(t, err)
	require.NoError(t, f.svc.RenameDocument(ctx, doc.ID, "after"))

	opened, _, err := f.svc.OpenDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", opened.Name)

	_, _, err = f.svc.OpenDocument(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, f.svc.RenameDocument(ctx, "missing", "x"), model.ErrNotFound)
}

func TestService_DeleteDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _, err := f.svc.CreateDocument(ctx, "gone")
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteDocument(ctx, doc.ID))
	_, _, err = f.svc.OpenDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteDocument(ctx, doc.ID), model.ErrNotFound)
}

func seedSnippet(t *testing.T, f fixture) (docID, pageID, snippetID string) {
	t.Helper()
	ctx := context.Background()
	doc, meta, err := f.svc.CreateDocument(ctx, "d")
	require.NoError(t, err)
	p, err := doc.AddPage(doc.RootCollectionID, "")
	require.NoError(t, err)
	s, err := doc.AddSnippet(p.ID, "")
	require.NoError(t, err)

	f.svc.Writers().TryBecomeWriter(doc.ID, "owner", "seed", false)
	_, err = f.svc.SaveDocument(ctx, "owner", "seed", doc, &meta.Version, true)
	require.NoError(t, err)
	f.svc.Writers().Release(doc.ID, "owner", "seed")
	return doc.ID, p.ID, s.ID
}

func TestService_EditSnippetWithPresenceLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID, pageID, snippetID := seedSnippet(t, f)
	key := model.LockKey{DocID: docID, Target: model.SnippetTarget(snippetID)}

	edit := SnippetEdit{
		DocID: docID, PageID: pageID, SnippetID: snippetID,
		HTML:   `<p onclick="x()">hello<script>bad()</script></p>`,
		UserID: "alice", ClientID: "tab-1", SessionID: "s-alice",
	}

	// 既没有锁也不是 writer
	_, err := f.svc.EditSnippet(ctx, edit)
	assert.ErrorIs(t, err, ErrNotWriter)

	require.Equal(t, lease.Granted, f.svc.Locks().TryAcquire(key, "alice", "tab-1", false).Outcome)
	v, err := f.svc.EditSnippet(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	doc, _, err := f.svc.OpenDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "<p>hello</p>", doc.Pages[pageID].Snippets[0].HTML)

	// 其他客户端（哪怕是 writer）被锁挡住
	f.svc.Writers().TryBecomeWriter(docID, "bob", "s-bob", false)
	_, err = f.svc.EditSnippet(ctx, SnippetEdit{
		DocID: docID, PageID: pageID, SnippetID: snippetID, HTML: "<p>bob</p>",
		UserID: "bob", ClientID: "tab-9", SessionID: "s-bob",
	})
	assert.ErrorIs(t, err, ErrTargetLocked)

	inv := f.events.ofType(event.TypeInvalidated)
	assert.False(t, inv[len(inv)-1].Structural)
}

func TestService_EditSnippetAsWriter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	docID, pageID, snippetID := seedSnippet(t, f)
	f.svc.Writers().TryBecomeWriter(docID, "alice", "s-alice", false)

	stale := uint64(0)
	_, err := f.svc.EditSnippet(ctx, SnippetEdit{
		DocID: docID, PageID: pageID, SnippetID: snippetID, HTML: "<p>x</p>",
		UserID: "alice", ClientID: "c", SessionID: "s-alice", ExpectedVersion: &stale,
	})
	assert.ErrorIs(t, err, model.ErrConcurrency)

	_, err = f.svc.EditSnippet(ctx, SnippetEdit{
		DocID: docID, PageID: pageID, SnippetID: "nope", HTML: "<p>x</p>",
		UserID: "alice", ClientID: "c", SessionID: "s-alice",
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	v, err := f.svc.EditSnippet(ctx, SnippetEdit{
		DocID: docID, PageID: pageID, SnippetID: snippetID, HTML: "<p>x</p>",
		UserID: "alice", ClientID: "c", SessionID: "s-alice",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)
}

func TestService_ImportAndExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _, err := f.svc.CreateDocument(ctx, "target")
	require.NoError(t, err)

	payload, err := json.Marshal(treemerge.CollectionExport{
		ID:    "imported",
		Title: "Imported",
		Pages: []treemerge.PageExport{{
			ID: "p1", Title: "One",
			Snippets: []treemerge.SnippetExport{{ID: "s1", HTML: `<p><span style="x">hi</span></p>`}},
		}},
	})
	require.NoError(t, err)

	req := ImportRequest{
		DocID: doc.ID, UserID: "alice", SessionID: "s1", Payload: payload,
		Options: treemerge.Options{ParentID: doc.RootCollectionID},
	}
	_, err = f.svc.ImportPayload(ctx, req)
	assert.ErrorIs(t, err, ErrNotWriter)

	f.svc.Writers().TryBecomeWriter(doc.ID, "alice", "s1", false)
	res, err := f.svc.ImportPayload(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, treemerge.KindCollection, res.Kind)
	assert.Equal(t, uint64(1), res.Version)
	assert.Equal(t, 2, res.Result.Created)

	exp, err := f.svc.ExportDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, exp.RootCollection.Collections, 1)
	imported := exp.RootCollection.Collections[0]
	assert.Equal(t, "Imported", imported.Title)
	assert.Equal(t, "<p>hi</p>", imported.Pages[0].Snippets[0].HTML)

	col, err := f.svc.ExportCollection(ctx, doc.ID, "imported")
	require.NoError(t, err)
	assert.Equal(t, imported, col)
	page, err := f.svc.ExportPage(ctx, doc.ID, "p1")
	require.NoError(t, err)
	assert.Equal(t, "One", page.Title)

	report, err := f.svc.Check(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, report.OK())

	inv := f.events.ofType(event.TypeInvalidated)
	require.Len(t, inv, 1)
	assert.True(t, inv[0].Structural)
}

func TestService_ImportFailureLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _, err := f.svc.CreateDocument(ctx, "target")
	require.NoError(t, err)
	f.svc.Writers().TryBecomeWriter(doc.ID, "alice", "s1", false)

	cyclic := `{"id":"a","title":"A","collections":[{"id":"b","collections":[{"id":"a"}]}]}`
	_, err = f.svc.ImportPayload(ctx, ImportRequest{DocID: doc.ID, UserID: "alice", SessionID: "s1", Payload: []byte(cyclic)})
	assert.ErrorIs(t, err, model.ErrImportCycle)

	_, err = f.svc.ImportPayload(ctx, ImportRequest{DocID: doc.ID, UserID: "alice", SessionID: "s1", Payload: []byte(`{"what":1}`)})
	assert.ErrorIs(t, err, model.ErrInvalidPayload)

	_, version, err := f.svc.OpenDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.Empty(t, f.events.ofType(event.TypeInvalidated))
}

func TestService_ImportRespectsContext(t *testing.T) {
	f := newFixture(t)
	f.svc.importSem = NewSemaphoreControl(1)
	require.NoError(t, f.svc.importSem.Acquire(context.Background()))
	defer f.svc.importSem.Release()

	doc, _, err := f.svc.CreateDocument(context.Background(), "busy")
	require.NoError(t, err)
	f.svc.Writers().TryBecomeWriter(doc.ID, "alice", "s1", false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.svc.ImportPayload(ctx, ImportRequest{DocID: doc.ID, UserID: "alice", SessionID: "s1", Payload: []byte(`{"id":"p","snippets":[]}`)})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "import slot"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(0)
	assert.Equal(t, MaxSemaphore, sem.Cap())

	sem = NewSemaphoreControl(2)
	require.True(t, sem.TryAcquire())
	require.NoError(t, sem.Acquire(context.Background()))
	assert.False(t, sem.TryAcquire())
	assert.Equal(t, 2, sem.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), context.DeadlineExceeded)

	require.NoError(t, sem.Release())
	require.NoError(t, sem.Release())
	assert.ErrorIs(t, sem.Release(), ErrSemaphoreNotAcquired)
}
