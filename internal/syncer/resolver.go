package syncer

import "adminops/internal/models"

// Resolution is the decision for a record changed on both sides.
type Resolution struct {
	// Record is what ends up on the target. Ignored for target_wins.
	Record models.Record
	// Outcome is one of models.ResolutionSourceWins, ResolutionTargetWins
	// or ResolutionMerged.
	Outcome string
}

// Resolver settles a conflict between the source and target versions of a
// record.
type Resolver interface {
	Resolve(source, target models.Record) (Resolution, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(source, target models.Record) (Resolution, error)

func (f ResolverFunc) Resolve(source, target models.Record) (Resolution, error) {
	return f(source, target)
}

// LastWriteWins keeps the most recently modified version. Ties go to the
// source.
var LastWriteWins = ResolverFunc(func(source, target models.Record) (Resolution, error) {
	if target.LastModified.After(source.LastModified) {
		return Resolution{Record: target, Outcome: models.ResolutionTargetWins}, nil
	}
	return Resolution{Record: source, Outcome: models.ResolutionSourceWins}, nil
})
