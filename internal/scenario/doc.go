// Package scenario is the base request suite a proxy instance under test
// is driven with: an origin web server, the downstream proxy in front of
// it, and named scenarios that send requests through that proxy and check
// what comes back.
package scenario
