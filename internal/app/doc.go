// Package app holds the reconciliation engine.
//
// The Reconciler converges Twitch EventSub subscriptions, the stored
// subscription records and the notifications collection for the entities this
// worker owns. The Watcher turns change feed events into tasks, and the
// Dispatcher runs those tasks on per-entity ordered lanes. Everything here
// depends on domain interfaces, not on the Mongo or Twitch adapters.
package app
