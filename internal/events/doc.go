// Package events implements the four scheduled events: collect URLs, crawl
// a post, recrawl a post and delete old posts.
//
// Each event is a rotation.Strategy handed to the dispatcher. Handlers check
// whether their category is enabled first; a disabled category removes its
// own timers and returns, which heals timers that an earlier reconcile
// failed to remove.
package events
