// Package tenant resolves which sites take part in each scheduling category.
//
// A site is active for a category when it is published and its category flag
// (a site setting such as "active_recrawling") holds a truthy value. The
// Directory memoizes the ordered active list per category and drops it when
// the generation counter moves.
package tenant
