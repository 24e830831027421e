// Package pubsub implements the topic-routed publish/subscribe bus (spec §4.4,
// component C6): dot-separated topic matching with single- ("*") and
// multi-token ("#") wildcards, idempotent subscription management, and
// bounded per-subscriber delivery with a drop-oldest overflow policy.
package pubsub
