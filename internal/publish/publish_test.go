package publish

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/beansnews/beansd/internal/database"
	"github.com/beansnews/beansd/internal/shopify"
)

type stubStore struct {
	creates      int
	updates      int
	createErr    error
	updateErr    error
	unconfigured bool
	lastHandle   string
	lastID       string
	lastFields   []shopify.Field
	onCreate     func()
}

func (s *stubStore) CreateMetaobject(ctx context.Context, handle string, fields []shopify.Field) (*shopify.ExternalRef, error) {
	s.creates++
	s.lastHandle = handle
	s.lastFields = fields
	if s.onCreate != nil {
		s.onCreate()
	}
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &shopify.ExternalRef{ID: fmt.Sprintf("gid://shopify/Metaobject/%d", s.creates), Handle: handle}, nil
}

func (s *stubStore) UpdateMetaobject(ctx context.Context, id string, fields []shopify.Field) (*shopify.ExternalRef, error) {
	s.updates++
	s.lastID = id
	s.lastFields = fields
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return &shopify.ExternalRef{ID: id, Handle: "existing-handle"}, nil
}

func (s *stubStore) IsConfigured() bool { return !s.unconfigured }

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func insertProcessed(t *testing.T, db *database.DB, link, title string) *database.Article {
	t.Helper()
	published := time.Date(2026, 8, 17, 9, 0, 0, 0, time.UTC)
	a := &database.Article{
		Link:        link,
		Title:       title,
		Source:      "sprudge",
		Domain:      "sprudge.com",
		PublishedAt: &published,
		Description: ptr("Raw description."),
	}
	if err := db.InsertArticle(a); err != nil {
		t.Fatalf("failed to insert article: %v", err)
	}
	applied, err := db.ApplyEnrichment(a.UUID, database.Enrichment{
		ImprovedDescription: "Improved description.",
		SEOTitle:            title + " | BEANS News",
		SEODescription:      "SEO text",
	})
	if err != nil || !applied {
		t.Fatalf("failed to enrich article: applied=%v err=%v", applied, err)
	}
	return a
}

func newSync(db *database.DB, store Store) *Sync {
	return New(db, store, "Market", "BEANS News")
}

func TestPublishCreatesAndRecordsRef(t *testing.T) {
	db := openTestDB(t)
	a := insertProcessed(t, db, "https://sprudge.com/a", "New Roastery")

	store := &stubStore{}
	r, err := newSync(db, store).Publish(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Published != 1 || r.Conflicts != 0 || r.Failed != 0 {
		t.Errorf("unexpected result %+v", r)
	}
	if store.creates != 1 {
		t.Errorf("expected 1 create, got %d", store.creates)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.ModerationStatus != database.StatusSentToShopify {
		t.Errorf("expected sentToShopify, got %s", stored.ModerationStatus)
	}
	if stored.ShopifyMetaobjectID == nil || *stored.ShopifyMetaobjectID != "gid://shopify/Metaobject/1" {
		t.Error("expected metaobject id persisted")
	}
	if stored.ShopifyHandle == nil || *stored.ShopifyHandle != store.lastHandle {
		t.Error("expected handle persisted")
	}
}

func TestPublishIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	a := insertProcessed(t, db, "https://sprudge.com/a", "New Roastery")

	store := &stubStore{}
	sync := newSync(db, store)
	if _, err := sync.Publish(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err := sync.Publish(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Published != 0 {
		t.Errorf("second sweep must find nothing pending, got %d", r.Published)
	}
	if store.creates != 1 {
		t.Errorf("expected exactly 1 create across both runs, got %d", store.creates)
	}

	// Re-pushing a published article propagates edits through the update
	// branch, addressed by the same external id.
	ref, err := sync.PublishOne(context.Background(), a.UUID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.creates != 1 || store.updates != 1 {
		t.Errorf("expected update branch, got %d creates / %d updates", store.creates, store.updates)
	}
	if ref.ID != "gid://shopify/Metaobject/1" {
		t.Errorf("expected same external object, got %s", ref.ID)
	}
}

func TestPublishRejectedInFlightStaysRejected(t *testing.T) {
	db := openTestDB(t)
	a := insertProcessed(t, db, "https://sprudge.com/a", "New Roastery")

	// An editor rejects the article while the external create is in flight.
	store := &stubStore{}
	store.onCreate = func() {
		if _, err := db.RejectArticle(a.UUID); err != nil {
			t.Fatalf("failed to reject article: %v", err)
		}
	}

	r, err := newSync(db, store).Publish(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Published != 0 || r.Failed != 1 {
		t.Errorf("lost race must not count as published, got %+v", r)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.ModerationStatus != database.StatusRejected {
		t.Errorf("rejected is terminal, got %s", stored.ModerationStatus)
	}
	if stored.ShopifyMetaobjectID == nil || *stored.ShopifyMetaobjectID != "gid://shopify/Metaobject/1" {
		t.Error("expected external reference kept for cleanup")
	}
}

func TestUpdateBranchRecordsRenamedHandle(t *testing.T) {
	db := openTestDB(t)
	a := insertProcessed(t, db, "https://sprudge.com/a", "New Roastery")

	store := &stubStore{}
	sync := newSync(db, store)
	if _, err := sync.Publish(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The stub's update branch answers with a different handle, as Shopify
	// does when the object was renamed on the store side.
	if _, err := sync.PublishOne(context.Background(), a.UUID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.ShopifyHandle == nil || *stored.ShopifyHandle != "existing-handle" {
		t.Errorf("expected renamed handle persisted, got %v", stored.ShopifyHandle)
	}
	if stored.ModerationStatus != database.StatusSentToShopify {
		t.Errorf("expected sentToShopify, got %s", stored.ModerationStatus)
	}
}

func TestPublishConflictMarksSentWithoutID(t *testing.T) {
	db := openTestDB(t)
	a := insertProcessed(t, db, "https://sprudge.com/a", "New Roastery")

	store := &stubStore{createErr: &shopify.ConflictError{Message: "Value is already assigned to another metafield"}}
	r, err := newSync(db, store).Publish(context.Background(), nil)
	if err != nil {
		t.Fatalf("conflict must not fail the sweep: %v", err)
	}
	if r.Conflicts != 1 || r.Published != 0 || r.Failed != 0 {
		t.Errorf("unexpected result %+v", r)
	}
	if store.creates != 1 {
		t.Errorf("expected no second create attempt, got %d", store.creates)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.ModerationStatus != database.StatusSentToShopify {
		t.Errorf("expected sentToShopify after conflict, got %s", stored.ModerationStatus)
	}
	if stored.ShopifyMetaobjectID != nil {
		t.Error("conflict resolution must not invent an external id")
	}
}

func TestPublishValidationErrorLeavesPending(t *testing.T) {
	db := openTestDB(t)
	a := insertProcessed(t, db, "https://sprudge.com/a", "New Roastery")

	store := &stubStore{createErr: &shopify.UserErrorsError{Op: "create", Errors: []shopify.UserError{{Message: "Invalid field"}}}}
	r, err := newSync(db, store).Publish(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", r)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.ModerationStatus != database.StatusAIProcessed {
		t.Errorf("failed article must stay pending for retry, got %s", stored.ModerationStatus)
	}
}

func TestPublishOneRejectsInvalidStates(t *testing.T) {
	db := openTestDB(t)
	scraped := &database.Article{Link: "https://sprudge.com/s", Title: "Still Scraped", Source: "sprudge", Domain: "sprudge.com"}
	if err := db.InsertArticle(scraped); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store := &stubStore{}
	sync := newSync(db, store)

	var ise *InvalidStateError
	if _, err := sync.PublishOne(context.Background(), scraped.UUID); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError for scraped article, got %v", err)
	}
	if store.creates != 0 || store.updates != 0 {
		t.Error("invalid state must not reach the external store")
	}

	if _, err := db.RejectArticle(scraped.UUID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sync.PublishOne(context.Background(), scraped.UUID); !errors.As(err, &ise) {
		t.Errorf("expected InvalidStateError for rejected article, got %v", err)
	}
}

func TestEditAndResync(t *testing.T) {
	db := openTestDB(t)
	a := insertProcessed(t, db, "https://sprudge.com/a", "New Roastery")

	store := &stubStore{}
	sync := newSync(db, store)
	if _, err := sync.Publish(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ref, err := sync.EditAndResync(context.Background(), a.UUID, database.ArticleEdit{Title: ptr("Edited Title")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref.ID != "gid://shopify/Metaobject/1" {
		t.Errorf("expected same external object, got %s", ref.ID)
	}
	if store.creates != 1 || store.updates != 1 {
		t.Errorf("edit must use the update branch only, got %d creates / %d updates", store.creates, store.updates)
	}

	stored, _ := db.GetArticleByUUID(a.UUID)
	if stored.Title != "Edited Title" {
		t.Errorf("expected local edit applied, got %q", stored.Title)
	}
	for _, f := range store.lastFields {
		if f.Key == "title" && f.Value != "Edited Title" {
			t.Errorf("expected edited title in pushed fields, got %q", f.Value)
		}
	}
}

func TestEditAndResyncRequiresExternalID(t *testing.T) {
	db := openTestDB(t)
	a := insertProcessed(t, db, "https://sprudge.com/a", "New Roastery")

	// Conflict path: sentToShopify without an external id.
	store := &stubStore{createErr: &shopify.ConflictError{Message: "Value is already assigned to another metafield"}}
	sync := newSync(db, store)
	if _, err := sync.Publish(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var ise *InvalidStateError
	if _, err := sync.EditAndResync(context.Background(), a.UUID, database.ArticleEdit{Title: ptr("x")}); !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if store.updates != 0 {
		t.Error("missing external id must not reach the store")
	}
}

func TestPublishRequiresConfiguredStore(t *testing.T) {
	db := openTestDB(t)
	if _, err := newSync(db, &stubStore{unconfigured: true}).Publish(context.Background(), nil); err == nil {
		t.Error("expected error for unconfigured store")
	}
}
