// Package harness verifies that a downstream proxy forwards every request
// through exactly one upstream proxy over one transport.
//
// A Harness starts an upstream instance, then a downstream instance whose
// selector names that upstream as its sole chained proxy, and installs
// counting trackers on both. After each base scenario it checks that the
// upstream received every request the downstream sent and that every hop
// used the transport the selector declared.
package harness
