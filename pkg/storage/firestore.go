package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

// FirestoreProvider implements the Database interface using Google Cloud Firestore.
// Every record is stored as a JSON string under sites/{siteID}/{collection}.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// the project id can be inferred from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(siteID, name string) (*firestore.CollectionRef, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	return f.client.Collection("sites").Doc(siteID).Collection(name), nil
}

// decodeDoc unmarshals the "json" field of a document into v.
func decodeDoc(ctx context.Context, doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("path", doc.Ref.Path))
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("path", doc.Ref.Path), slog.Any("err", err))
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings" document.
func (f *FirestoreProvider) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return types.Settings{}, 0, err
	}
	doc, err := coll.Doc("settings").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// caller migrates from version 0 to get defaults
			return types.Settings{}, 0, nil
		}
		return types.Settings{}, 0, fmt.Errorf("failed to fetch settings doc: %w", err)
	}

	var version int
	if v, err := doc.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	var s types.Settings
	if err := decodeDoc(ctx, doc, &s); err != nil {
		return types.Settings{}, 0, fmt.Errorf("failed to decode settings: %w", err)
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings" document.
// It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	jsonBytes, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	coll, err := f.getCollection(siteID, "config")
	if err != nil {
		return err
	}
	_, err = coll.Doc("settings").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

// sessionDocID orders sessions by start time so ranges can be queried by
// document ID. The serial keeps concurrent sessions on different chargers apart.
func sessionDocID(sess types.SessionRecord) string {
	return sess.Start.UTC().Format(time.RFC3339) + "_" + sess.Serial
}

// UpsertSessions adds or updates sessions in the "sessions" collection.
func (f *FirestoreProvider) UpsertSessions(ctx context.Context, siteID string, sessions []types.SessionRecord) error {
	if len(sessions) == 0 {
		return nil
	}
	coll, err := f.getCollection(siteID, "sessions")
	if err != nil {
		return err
	}

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(sessions))
	for _, sess := range sessions {
		if sess.Serial == "" || sess.Start.IsZero() {
			bw.End()
			return fmt.Errorf("session %q missing serial or start", sess.ID)
		}
		jsonBytes, err := json.Marshal(sess)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal session %s: %w", sess.ID, err)
		}
		job, err := bw.Set(coll.Doc(sessionDocID(sess)), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": sess.Start,
			"serial":    sess.Serial,
			"open":      sess.Open(),
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue session %s: %w", sess.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert session %s: %w", sessions[i].ID, err)
		}
	}
	return nil
}

// GetSessions retrieves sessions that started within the specified time range.
// Uses document ID range queries for efficient filtering.
func (f *FirestoreProvider) GetSessions(ctx context.Context, siteID string, start, end time.Time) ([]types.SessionRecord, error) {
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	coll, err := f.getCollection(siteID, "sessions")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var sessions []types.SessionRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating sessions: %w", err)
		}

		var sess types.SessionRecord
		if err := decodeDoc(ctx, doc, &sess); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// UpsertCounters checkpoints energy counters in the "energy_counters"
// collection, one document per counter id.
func (f *FirestoreProvider) UpsertCounters(ctx context.Context, siteID string, counters []types.EnergyCounter) error {
	if len(counters) == 0 {
		return nil
	}
	coll, err := f.getCollection(siteID, "energy_counters")
	if err != nil {
		return err
	}

	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(counters))
	for _, c := range counters {
		if c.ID == "" {
			bw.End()
			return fmt.Errorf("energy counter missing id")
		}
		jsonBytes, err := json.Marshal(c)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal counter %s: %w", c.ID, err)
		}
		job, err := bw.Set(coll.Doc(c.ID), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": c.LastAt,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue counter %s: %w", c.ID, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert counter %s: %w", counters[i].ID, err)
		}
	}
	return nil
}

// GetCounters retrieves every energy counter checkpoint of a site.
func (f *FirestoreProvider) GetCounters(ctx context.Context, siteID string) ([]types.EnergyCounter, error) {
	coll, err := f.getCollection(siteID, "energy_counters")
	if err != nil {
		return nil, err
	}
	iter := coll.Documents(ctx)
	defer iter.Stop()

	var counters []types.EnergyCounter
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating energy counters: %w", err)
		}

		var c types.EnergyCounter
		if err := decodeDoc(ctx, doc, &c); err != nil {
			// a bad checkpoint only costs that counter its history
			continue
		}
		counters = append(counters, c)
	}
	return counters, nil
}

// GetSite retrieves a site from the "sites" collection.
func (f *FirestoreProvider) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	if siteID == "" {
		return types.Site{}, fmt.Errorf("siteID cannot be empty")
	}
	doc, err := f.client.Collection("sites").Doc(siteID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
		}
		return types.Site{}, fmt.Errorf("failed to get site %s: %w", siteID, err)
	}

	var site types.Site
	if err := decodeDoc(ctx, doc, &site); err != nil {
		return types.Site{}, fmt.Errorf("failed to decode site %s: %w", siteID, err)
	}
	if site.ID == "" {
		site.ID = siteID
	}
	return site, nil
}

// ListSites retrieves all sites from the "sites" collection.
func (f *FirestoreProvider) ListSites(ctx context.Context) ([]types.Site, error) {
	iter := f.client.Collection("sites").Documents(ctx)
	defer iter.Stop()

	var sites []types.Site
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating sites: %w", err)
		}

		var site types.Site
		if err := decodeDoc(ctx, doc, &site); err != nil {
			// Skip malformed documents
			continue
		}
		if site.ID == "" {
			site.ID = doc.Ref.ID
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// UpdateSite creates or updates a site document in the "sites" collection.
func (f *FirestoreProvider) UpdateSite(ctx context.Context, siteID string, site types.Site) error {
	if siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	site.ID = siteID
	siteJSON, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", siteID, err)
	}
	_, err = f.client.Collection("sites").Doc(siteID).Set(ctx, map[string]interface{}{
		"json": string(siteJSON),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update site %s: %w", siteID, err)
	}
	return nil
}
