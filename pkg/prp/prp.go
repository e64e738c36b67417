// Package prp implements the PolicyRetrieval Point: narrowing the full
// policy set down to the candidates that could possibly apply to a given
// request, before pkg/pdp spends any time evaluating rule trees.
package prp

import (
	"context"
	"sort"

	"github.com/latticeauth/abac/pkg/cache"
	"github.com/latticeauth/abac/pkg/categorize"
	"github.com/latticeauth/abac/pkg/pcontext"
	"github.com/latticeauth/abac/pkg/policy"
)

// Retrieval narrows candidates by intersecting the cache's three indexes:
// action, then actor category, then subject category. The intersection is
// computed by name so a policy indexed under more than one dimension
// (e.g. present in both the action index and a wildcard actor index) is
// never duplicated in the result.
type Retrieval struct {
	Cache      *cache.Cache
	Categorize categorize.Categorizer
}

func New(c *cache.Cache, categorizer categorize.Categorizer) *Retrieval {
	if categorizer == nil {
		categorizer = categorize.Reflective{}
	}
	return &Retrieval{Cache: c, Categorize: categorizer}
}

// Candidates returns every policy whose action/actor/subject scoping could
// match the request, ordered deterministically by name. The actor category
// is derived from ctx.Actor; the subject dimension derives the set S of
// categories from every subject in ctx.Subjects (the empty-string category,
// which only matches wildcard-scoped policies, if the request has no
// subject) and keeps a policy if any of its declared subject categories is
// in S.
func (r *Retrieval) Candidates(ctx context.Context, action string, reqCtx *pcontext.Context) ([]*policy.Policy, error) {
	byAction, err := r.Cache.ByAction(ctx, action)
	if err != nil {
		return nil, err
	}

	actorCategory := r.Categorize.ActorCategory(reqCtx.Actor)
	byActor, err := r.Cache.ByActorCategory(ctx, actorCategory)
	if err != nil {
		return nil, err
	}

	inSubject := map[string]*policy.Policy{}
	for category := range subjectCategories(r.Categorize, reqCtx.Subjects) {
		bySubject, err := r.Cache.BySubjectCategory(ctx, category)
		if err != nil {
			return nil, err
		}
		for _, p := range bySubject {
			inSubject[p.Name] = p
		}
	}

	inAction := toSet(byAction)
	inActor := toSet(byActor)

	var result []*policy.Policy
	for name, p := range inAction {
		if _, ok := inActor[name]; !ok {
			continue
		}
		if _, ok := inSubject[name]; !ok {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// subjectCategories derives the set S of subject categories from every
// subject in the request. A request with no subjects contributes the
// empty-string category, which only matches wildcard-scoped policies.
func subjectCategories(categorizer categorize.Categorizer, subjects []any) map[string]struct{} {
	if len(subjects) == 0 {
		return map[string]struct{}{"": {}}
	}
	set := make(map[string]struct{}, len(subjects))
	for _, subj := range subjects {
		set[categorizer.SubjectCategory(subj)] = struct{}{}
	}
	return set
}

func toSet(policies []*policy.Policy) map[string]*policy.Policy {
	out := make(map[string]*policy.Policy, len(policies))
	for _, p := range policies {
		out[p.Name] = p
	}
	return out
}
