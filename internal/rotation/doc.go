// Package rotation distributes one scheduled event across active sites in
// round-robin order.
//
// Each tick resolves the site after the persisted cursor, runs the event's
// action against it up to the required number of times and stops. When the
// first run for a site turns out to be a no-op the next site is tried instead;
// a no-op on a later run ends the tick. A site is never tried twice per tick,
// and a hard run ceiling bounds the work done for one site.
package rotation
