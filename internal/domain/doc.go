// Package domain defines the core records and contracts of the subscription service.
//
// Subscriptions, notifications, remote EventSub descriptors, the worker partition
// policy and the change feed vocabulary live here. Adapters implement the interfaces;
// the app package consumes them. No I/O happens in this package.
package domain
