// Package mypp is a typed binding and lifecycle layer over the MySQL
// binary protocol as exposed by the go-sql-driver/mysql connector.
//
// A Connection owns one session; a Statement is prepared against it and
// driven through an explicit state machine: Prepare, bind parameters,
// Execute (or Query plus a Fetch loop), then Reset or re-Prepare to run
// again. Result columns are read back by name through typed getters that
// enforce the server-reported column type and NULL-ness.
//
// Everything is synchronous and single-statement-at-a-time: neither a
// Connection nor a Statement may be used concurrently without external
// serialization.
package mypp
