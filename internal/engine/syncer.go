package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fleetyard/basesync/internal/airtable"
	"github.com/fleetyard/basesync/internal/config"
	"github.com/fleetyard/basesync/internal/schema"
)

// SheetStore is the sheet-side adapter surface the engine needs.
type SheetStore interface {
	List(ctx context.Context, entity string) ([]airtable.Record, error)
	Create(ctx context.Context, entity string, fields map[string]any) (airtable.Record, error)
	Update(ctx context.Context, entity, recordID string, fields map[string]any) (airtable.Record, error)
	FieldRef(entity, key string) (airtable.FieldRef, bool)
}

// RelationalStore is the relational-side adapter surface the engine needs.
type RelationalStore interface {
	List(ctx context.Context, table string) ([]map[string]any, error)
	Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error)
	Update(ctx context.Context, table, id string, patch map[string]any) (map[string]any, error)
}

// Engine drives the reconciliation between the two stores.
type Engine struct {
	Sheet    SheetStore
	Rel      RelationalStore
	Rules    *config.SyncRules
	Resolver Resolver
	DryRun   bool
	Now      func() time.Time
}

// New wires an engine from resolved configuration and the two adapters.
func New(sheet SheetStore, rel RelationalStore, cfg *config.Config) *Engine {
	return &Engine{
		Sheet: sheet,
		Rel:   rel,
		Rules: cfg.Rules,
		Resolver: Resolver{
			SupabaseTolerance: cfg.SupabaseTolerance,
			AirtableTolerance: cfg.AirtableTolerance,
		},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// fetched holds the read-phase results for one entity-direction pass.
type fetched struct {
	sheet     []airtable.Record
	rel       []map[string]any
	linkSheet map[string][]airtable.Record
	linkRel   map[string][]map[string]any
	join      []map[string]any
}

// fetch issues all independent reads for the pass concurrently and awaits
// them before any per-record work begins.
func (e *Engine) fetch(ctx context.Context, ent schema.Entity, dir Direction) (*fetched, error) {
	f := &fetched{
		linkSheet: make(map[string][]airtable.Record),
		linkRel:   make(map[string][]map[string]any),
	}

	targets := ent.LinkTargets()
	needJoin := ent.Name == "loads" && dir == SupabaseToAirtable
	if needJoin && !containsString(targets, "cars") {
		// join rows resolve car ids through the cars cross-ref
		targets = append(targets, "cars")
	}

	type linkLists struct {
		sheet []airtable.Record
		rel   []map[string]any
	}
	links := make([]linkLists, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		f.sheet, err = e.Sheet.List(gctx, ent.Name)
		return err
	})
	g.Go(func() error {
		var err error
		f.rel, err = e.Rel.List(gctx, ent.Name)
		return err
	})
	for i, target := range targets {
		g.Go(func() error {
			recs, err := e.Sheet.List(gctx, target)
			if err != nil {
				return err
			}
			links[i].sheet = recs
			return nil
		})
		g.Go(func() error {
			rows, err := e.Rel.List(gctx, target)
			if err != nil {
				return err
			}
			links[i].rel = rows
			return nil
		})
	}
	if needJoin {
		g.Go(func() error {
			var err error
			f.join, err = e.Rel.List(gctx, schema.JoinTable)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, target := range targets {
		f.linkSheet[target] = links[i].sheet
		f.linkRel[target] = links[i].rel
	}
	return f, nil
}

// pass holds the indexes for one entity-direction loop. It is exclusively
// owned by a single SyncEntity invocation.
type pass struct {
	entity   schema.Entity
	dir      Direction
	xref     CrossRef
	mapper   *Mapper
	preparer *Preparer

	relByID        map[string]map[string]any
	relBySecondary map[string]map[string]any
	sheetByID      map[string]airtable.Record
	sheetBySecond  map[string]airtable.Record
}

// secondaryKey normalizes a secondary match value per the entity's rules.
func secondaryKey(ent schema.Entity, v string) string {
	v = strings.TrimSpace(v)
	switch ent.SecondaryKey {
	case "name", "email":
		return strings.ToLower(v)
	}
	return v
}

func (e *Engine) buildPass(ent schema.Entity, dir Direction, f *fetched) *pass {
	xref := BuildCrossRef(f.sheet, f.rel)

	xrefs := make(map[string]CrossRef, len(f.linkSheet))
	for target := range f.linkSheet {
		xrefs[target] = BuildCrossRef(f.linkSheet[target], f.linkRel[target])
	}

	mapper := &Mapper{
		Entity:   ent,
		Xrefs:    xrefs,
		FieldRef: e.Sheet.FieldRef,
	}
	if f.join != nil {
		mapper.LoadCars = BuildLoadCarIndex(f.join, xrefs["cars"])
	}

	p := &pass{
		entity:         ent,
		dir:            dir,
		xref:           xref,
		mapper:         mapper,
		preparer:       &Preparer{Rules: e.Rules, Direction: dir, Entity: ent.Name},
		relByID:        make(map[string]map[string]any, len(f.rel)),
		relBySecondary: make(map[string]map[string]any, len(f.rel)),
		sheetByID:      make(map[string]airtable.Record, len(f.sheet)),
		sheetBySecond:  make(map[string]airtable.Record, len(f.sheet)),
	}

	for _, row := range f.rel {
		id := strings.TrimSpace(asString(row[schema.FieldID]))
		if id != "" {
			p.relByID[id] = row
		}
		if ent.SecondaryKey != "" {
			if key := secondaryKey(ent, asString(row[ent.SecondaryKey])); key != "" {
				if _, taken := p.relBySecondary[key]; !taken {
					p.relBySecondary[key] = row
				}
			}
		}
	}
	for _, rec := range f.sheet {
		p.sheetByID[rec.ID] = rec
		if ent.SecondaryKey != "" && ent.SecondaryKey != schema.FieldAirtableID {
			if v, ok := mapper.sheetValue(rec, ent.SecondaryKey); ok {
				if key := secondaryKey(ent, asString(v)); key != "" {
					if _, taken := p.sheetBySecond[key]; !taken {
						p.sheetBySecond[key] = rec
					}
				}
			}
		}
	}
	return p
}

// SyncEntity runs one entity in one direction: fetch both sides, build the
// cross-ref indexes, then decide create / update / skip per record. Records
// are processed sequentially; a per-record failure is counted and logged
// but never aborts the loop.
func (e *Engine) SyncEntity(ctx context.Context, ent schema.Entity, dir Direction, summary *Summary) (EntityStats, error) {
	stats := EntityStats{Entity: ent.Name, Direction: dir}
	started := e.now()

	f, err := e.fetch(ctx, ent, dir)
	if err != nil {
		return stats, fmt.Errorf("fetch %s: %w", ent.Name, err)
	}
	p := e.buildPass(ent, dir, f)

	if dir == AirtableToSupabase {
		for _, rec := range f.sheet {
			if ctx.Err() != nil {
				stats.Duration = e.now().Sub(started)
				return stats, ctx.Err()
			}
			stats.Processed++
			if err := e.syncSheetRecord(ctx, p, rec, &stats); err != nil {
				stats.Errors++
				slog.Error("record sync failed", "entity", ent.Name,
					"direction", dir, "record", rec.ID, "err", err)
				if summary != nil {
					summary.Add(ent.Name, dir, rec.ID, err)
				}
			}
		}
	} else {
		for _, row := range f.rel {
			if ctx.Err() != nil {
				stats.Duration = e.now().Sub(started)
				return stats, ctx.Err()
			}
			stats.Processed++
			rowID := strings.TrimSpace(asString(row[schema.FieldID]))
			if err := e.syncRelationalRow(ctx, p, row, &stats); err != nil {
				stats.Errors++
				slog.Error("record sync failed", "entity", ent.Name,
					"direction", dir, "record", rowID, "err", err)
				if summary != nil {
					summary.Add(ent.Name, dir, rowID, err)
				}
			}
		}
	}

	stats.Duration = e.now().Sub(started)
	return stats, nil
}

// findRelTarget locates the relational twin of a sheet record: cross-ref
// first, then the entity's secondary match key.
func (p *pass) findRelTarget(rec airtable.Record) map[string]any {
	if relID, ok := p.xref.SheetToRel[rec.ID]; ok {
		if row, ok := p.relByID[relID]; ok {
			return row
		}
	}
	switch p.entity.SecondaryKey {
	case "":
		return nil
	case schema.FieldAirtableID:
		// covered by the cross-ref union; nothing further to try
		return nil
	default:
		v, ok := p.mapper.sheetValue(rec, p.entity.SecondaryKey)
		if !ok {
			return nil
		}
		key := secondaryKey(p.entity, asString(v))
		if key == "" {
			return nil
		}
		return p.relBySecondary[key]
	}
}

// findSheetTarget locates the sheet twin of a relational row.
func (p *pass) findSheetTarget(row map[string]any) (airtable.Record, bool) {
	relID := strings.TrimSpace(asString(row[schema.FieldID]))
	if sheetID, ok := p.xref.RelToSheet[relID]; ok {
		if rec, ok := p.sheetByID[sheetID]; ok {
			return rec, true
		}
	}
	switch p.entity.SecondaryKey {
	case "":
		return airtable.Record{}, false
	case schema.FieldAirtableID:
		sheetID := strings.TrimSpace(asString(row[schema.FieldAirtableID]))
		rec, ok := p.sheetByID[sheetID]
		return rec, ok
	default:
		key := secondaryKey(p.entity, asString(row[p.entity.SecondaryKey]))
		if key == "" {
			return airtable.Record{}, false
		}
		rec, ok := p.sheetBySecond[key]
		return rec, ok
	}
}

// checkRequired enforces the required set on creation payloads.
func checkRequired(ent schema.Entity, payload map[string]any) error {
	for _, field := range ent.Required {
		if isBlank(payload[field]) {
			return &MissingRequiredFieldError{Entity: ent.Name, Field: field}
		}
	}
	return nil
}

// syncSheetRecord propagates one sheet record into the relational store.
func (e *Engine) syncSheetRecord(ctx context.Context, p *pass, rec airtable.Record, stats *EntityStats) error {
	target := p.findRelTarget(rec)

	srcLC := timeField(rec.Fields, schema.FieldLastChanged)
	srcLS := timeField(rec.Fields, schema.FieldLastSynced)
	var dstLC, dstLS *time.Time
	if target != nil {
		dstLC = timeField(target, schema.FieldLastChanged)
		dstLS = timeField(target, schema.FieldLastSynced)
	}

	res := e.Resolver.Resolve(AirtableToSupabase, srcLC, srcLS, dstLC, dstLS)
	switch res.Decision {
	case SkipUnchanged:
		stats.Unchanged++
		return nil
	case SkipDestNewer:
		slog.Debug("skipping record", "entity", p.entity.Name, "record", rec.ID, "reason", res.Reason)
		stats.Skipped++
		return nil
	}

	candidate := p.mapper.SheetToRelational(rec)
	prepared := p.preparer.Prepare(candidate, target)

	relID := ""
	if target != nil {
		relID = strings.TrimSpace(asString(target[schema.FieldID]))
	}

	if e.DryRun {
		slog.Info("dry-run: would write relational record",
			"entity", p.entity.Name, "record", rec.ID, "create", target == nil, "fields", len(prepared))
		stats.Skipped++
		return nil
	}

	if target == nil {
		if err := checkRequired(p.entity, prepared); err != nil {
			return err
		}
		relID = strings.TrimSpace(asString(rec.Fields[schema.FieldSupabaseID]))
		if !isUUID(relID) {
			relID = uuid.NewString()
		}
		prepared[schema.FieldID] = relID
		if _, err := e.Rel.Insert(ctx, p.entity.Name, prepared); err != nil {
			return err
		}
		p.xref.Seed(rec.ID, relID)
		stats.Created++
	} else if len(prepared) > 0 {
		if _, err := e.Rel.Update(ctx, p.entity.Name, relID, prepared); err != nil {
			return err
		}
		stats.Updated++
	} else {
		stats.Unchanged++
	}

	// Back-link plus last_synced stamp on the source, in one sheet write.
	// Nothing is written when the pairing is intact and the stamp is
	// already at or past the source's mutation marker.
	patch := make(map[string]any)
	if strings.TrimSpace(asString(rec.Fields[schema.FieldSupabaseID])) != relID {
		patch[schema.FieldSupabaseID] = relID
	}
	wrote := target == nil || len(prepared) > 0
	if wrote || len(patch) > 0 || srcLS == nil || (srcLC != nil && srcLC.After(*srcLS)) {
		patch[schema.FieldLastSynced] = res.Marker.UTC().Format(time.RFC3339)
	}
	if len(patch) > 0 {
		if _, err := e.Sheet.Update(ctx, p.entity.Name, rec.ID, patch); err != nil {
			return fmt.Errorf("write back-link: %w", err)
		}
	}
	return nil
}

// syncRelationalRow propagates one relational row into the sheet store.
func (e *Engine) syncRelationalRow(ctx context.Context, p *pass, row map[string]any, stats *EntityStats) error {
	rowID := strings.TrimSpace(asString(row[schema.FieldID]))
	target, hasTarget := p.findSheetTarget(row)

	srcLC := timeField(row, schema.FieldLastChanged)
	srcLS := timeField(row, schema.FieldLastSynced)

	// For loads the mutation marker covers the join rows feeding load_cars.
	if p.entity.Name == "loads" {
		if joinLC, ok := p.mapper.LoadCars.LastChanged[rowID]; ok {
			if srcLC == nil || joinLC.After(*srcLC) {
				srcLC = &joinLC
			}
		}
	}

	var dstLC, dstLS *time.Time
	if hasTarget {
		dstLC = timeField(target.Fields, schema.FieldLastChanged)
		dstLS = timeField(target.Fields, schema.FieldLastSynced)
	}

	res := e.Resolver.Resolve(SupabaseToAirtable, srcLC, srcLS, dstLC, dstLS)

	// The assignment list can change without any timestamp moving, e.g.
	// when a join row flips is_assigned through a path that skips the
	// mutation trigger. Set-compare against the sheet's current list.
	if res.Decision == SkipUnchanged && p.entity.Name == "loads" && hasTarget {
		want := assignedCarList(p.mapper.LoadCars, rowID)
		have := linkedIDList(target.Fields[schema.LoadCarsField])
		if !sameIDSet(want, have) {
			res = Resolution{Decision: Proceed, Marker: e.Resolver.marker(srcLC, srcLS)}
		}
	}

	switch res.Decision {
	case SkipUnchanged:
		stats.Unchanged++
		return nil
	case SkipDestNewer:
		slog.Debug("skipping record", "entity", p.entity.Name, "record", rowID, "reason", res.Reason)
		stats.Skipped++
		return nil
	}

	candidate := p.mapper.RelationalToSheet(row)
	var targetFields map[string]any
	if hasTarget {
		targetFields = target.Fields
	}
	prepared := p.preparer.Prepare(candidate, targetFields)

	if e.DryRun {
		slog.Info("dry-run: would write sheet record",
			"entity", p.entity.Name, "record", rowID, "create", !hasTarget, "fields", len(prepared))
		stats.Skipped++
		return nil
	}

	written := target
	if !hasTarget {
		if err := checkRequired(p.entity, prepared); err != nil {
			return err
		}
		rec, err := e.Sheet.Create(ctx, p.entity.Name, prepared)
		if err != nil {
			return err
		}
		written = rec
		p.xref.Seed(rec.ID, rowID)
		stats.Created++
	} else if len(prepared) > 0 {
		rec, err := e.Sheet.Update(ctx, p.entity.Name, target.ID, prepared)
		if err != nil {
			return err
		}
		written = rec
		stats.Updated++
	} else {
		stats.Unchanged++
	}

	// The sheet write already carried supabase_id; here we make sure the
	// relational row records its twin, and stamp last_synced.
	patch := make(map[string]any)
	if strings.TrimSpace(asString(row[schema.FieldAirtableID])) != written.ID {
		patch[schema.FieldAirtableID] = written.ID
	}
	if label := nameLabel(written); label != "" && strings.TrimSpace(asString(row[schema.FieldNameLabel])) != label {
		patch[schema.FieldNameLabel] = label
	}
	wrote := !hasTarget || len(prepared) > 0
	if wrote || len(patch) > 0 || srcLS == nil || (srcLC != nil && srcLC.After(*srcLS)) {
		patch[schema.FieldLastSynced] = res.Marker.UTC().Format(time.RFC3339)
	}
	if len(patch) > 0 {
		if _, err := e.Rel.Update(ctx, p.entity.Name, rowID, patch); err != nil {
			return fmt.Errorf("write back-link: %w", err)
		}
	}
	return nil
}
