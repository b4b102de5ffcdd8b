package retry

import "strings"

// idempotentCommands lists read-only or naturally idempotent commands
// that are safe to retry on a fresh connection after a disconnect
// without risking a duplicate side effect (spec.md §4.7: "commands that
// are safe to retry (idempotent by classification or when explicitly
// marked by the caller)").
var idempotentCommands = map[string]bool{
	"GET": true, "MGET": true, "EXISTS": true, "TTL": true, "PTTL": true,
	"STRLEN": true, "TYPE": true, "HGET": true, "HGETALL": true, "HMGET": true,
	"HKEYS": true, "HVALS": true, "HLEN": true, "LLEN": true, "LRANGE": true,
	"LINDEX": true, "SMEMBERS": true, "SCARD": true, "SISMEMBER": true,
	"ZRANGE": true, "ZSCORE": true, "ZCARD": true, "ZRANK": true,
	"SCAN": true, "HSCAN": true, "SSCAN": true, "ZSCAN": true,
	"PING": true, "ECHO": true, "DBSIZE": true, "KEYS": true,
	"SET": true, "GETSET": true, "DEL": true, "UNLINK": true, "EXPIRE": true,
	"PEXPIRE": true, "EXPIREAT": true,
}

// IsRetrySafe reports whether name is safe to retry automatically after a
// connection-level failure. SET/DEL/EXPIRE are included because they are
// idempotent even though they mutate state: issuing them twice with the
// same arguments converges to the same outcome as issuing them once.
func IsRetrySafe(name string) bool {
	return idempotentCommands[strings.ToUpper(name)]
}
