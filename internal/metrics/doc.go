// Package metrics holds murmur's Prometheus collectors.
package metrics
