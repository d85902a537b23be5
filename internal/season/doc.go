// Package season resolves calendar dates to the summer or winter operating
// season.
//
// Summer is defined by two "Nth weekday of month" rules. Every query goes
// through Resolver.Window, which pairs the rule years, and applies the
// half-open law start <= day < end. Failures are reported as ErrUnresolved;
// the resolver never guesses a season.
package season
