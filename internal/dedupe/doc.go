// Package dedupe provides a TTL cache that lets a key through once per
// window. The messaging service uses it to rate-limit typing broadcasts.
package dedupe
