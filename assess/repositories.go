package assess

import (
	"context"
	"log/slog"
	"time"

	"github.com/digicoop/digisync/offsync"
)

// Repositories bundles the offline-first repository for every entity type.
type Repositories struct {
	Organizations *offsync.Repository[Organization]
	Cooperations  *offsync.Repository[Cooperation]
	Dimensions    *offsync.Repository[Dimension]
	Levels        *offsync.Repository[DigitalisationLevel]
	Gaps          *offsync.Repository[DigitalisationGap]
	ActionPlans   *offsync.Repository[ActionPlan]
	Submissions   *offsync.Repository[Submission]
	Users         *offsync.Repository[User]
}

// refRules lists every cross-entity id reference. When a record created
// offline gets its server id, these are rewritten atomically with the row.
var refRules = []offsync.RefRule{
	{Table: TableOrganizations, Field: "cooperationId", Refs: TableCooperations},
	{Table: TableUsers, Field: "cooperationId", Refs: TableCooperations},
	{Table: TableLevels, Field: "dimensionId", Refs: TableDimensions},
	{Table: TableGaps, Field: "dimensionId", Refs: TableDimensions},
	{Table: TableGaps, Field: "organizationId", Refs: TableOrganizations},
	{Table: TableActionPlans, Field: "organizationId", Refs: TableOrganizations},
	{Table: TableActionPlans, Field: "gapId", Refs: TableGaps},
	{Table: TableSubmissions, Field: "organizationId", Refs: TableOrganizations},
	{Table: TableSubmissions, Field: "userId", Refs: TableUsers},
}

// NewRepositories wires all entity repositories over one store, engine and
// API client, and registers the id-reference rewrite rules.
func NewRepositories(store *offsync.Store, engine *offsync.Engine, api *APIClient, logger *slog.Logger) (*Repositories, error) {
	for _, rule := range refRules {
		if err := store.RegisterRef(rule); err != nil {
			return nil, err
		}
	}

	r := &Repositories{}
	var err error

	r.Organizations, err = newRepo(store, engine, api, TableOrganizations, logger,
		func(o Organization) string { return o.ID },
		func(o Organization, id string) Organization { o.ID = id; return o },
		func(o Organization) (time.Time, time.Time) { return o.CreatedAt, o.UpdatedAt })
	if err != nil {
		return nil, err
	}

	r.Cooperations, err = newRepo(store, engine, api, TableCooperations, logger,
		func(c Cooperation) string { return c.ID },
		func(c Cooperation, id string) Cooperation { c.ID = id; return c },
		func(c Cooperation) (time.Time, time.Time) { return c.CreatedAt, c.UpdatedAt })
	if err != nil {
		return nil, err
	}

	r.Dimensions, err = newRepo(store, engine, api, TableDimensions, logger,
		func(d Dimension) string { return d.ID },
		func(d Dimension, id string) Dimension { d.ID = id; return d },
		func(d Dimension) (time.Time, time.Time) { return d.CreatedAt, d.UpdatedAt })
	if err != nil {
		return nil, err
	}

	r.Levels, err = newRepo(store, engine, api, TableLevels, logger,
		func(l DigitalisationLevel) string { return l.ID },
		func(l DigitalisationLevel, id string) DigitalisationLevel { l.ID = id; return l },
		func(l DigitalisationLevel) (time.Time, time.Time) { return l.CreatedAt, l.UpdatedAt })
	if err != nil {
		return nil, err
	}

	r.Gaps, err = newRepo(store, engine, api, TableGaps, logger,
		func(g DigitalisationGap) string { return g.ID },
		func(g DigitalisationGap, id string) DigitalisationGap { g.ID = id; return g },
		func(g DigitalisationGap) (time.Time, time.Time) { return g.CreatedAt, g.UpdatedAt })
	if err != nil {
		return nil, err
	}

	r.ActionPlans, err = newRepo(store, engine, api, TableActionPlans, logger,
		func(p ActionPlan) string { return p.ID },
		func(p ActionPlan, id string) ActionPlan { p.ID = id; return p },
		func(p ActionPlan) (time.Time, time.Time) { return p.CreatedAt, p.UpdatedAt })
	if err != nil {
		return nil, err
	}

	r.Submissions, err = newRepo(store, engine, api, TableSubmissions, logger,
		func(s Submission) string { return s.ID },
		func(s Submission, id string) Submission { s.ID = id; return s },
		func(s Submission) (time.Time, time.Time) { return s.CreatedAt, s.UpdatedAt })
	if err != nil {
		return nil, err
	}

	r.Users, err = newRepo(store, engine, api, TableUsers, logger,
		func(u User) string { return u.ID },
		func(u User, id string) User { u.ID = id; return u },
		func(u User) (time.Time, time.Time) { return u.CreatedAt, u.UpdatedAt })
	if err != nil {
		return nil, err
	}

	return r, nil
}

// PullAll refreshes every local mirror in dependency order. All tables are
// attempted even when one fails; the first error is returned.
func (r *Repositories) PullAll(ctx context.Context) error {
	pulls := []func(context.Context) error{
		r.Cooperations.Pull,
		r.Organizations.Pull,
		r.Users.Pull,
		r.Dimensions.Pull,
		r.Levels.Pull,
		r.Gaps.Pull,
		r.ActionPlans.Pull,
		r.Submissions.Pull,
	}
	var firstErr error
	for _, pull := range pulls {
		if err := pull(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func newRepo[T any](store *offsync.Store, engine *offsync.Engine, api *APIClient, table string, logger *slog.Logger,
	id func(T) string, withID func(T, string) T, times func(T) (time.Time, time.Time)) (*offsync.Repository[T], error) {

	return offsync.NewRepository(store, engine, NewEntityClient[T](api, table), offsync.RepositoryConfig[T]{
		Table:  table,
		ID:     id,
		WithID: withID,
		Times:  times,
	}, logger)
}
