// Package all registers every bundled backend with kv.Open.
package all

import (
	_ "go.miragespace.co/kv/backend/badger"
	_ "go.miragespace.co/kv/backend/bolt"
	_ "go.miragespace.co/kv/backend/fs"
	_ "go.miragespace.co/kv/backend/leveldb"
	_ "go.miragespace.co/kv/backend/memory"
	_ "go.miragespace.co/kv/backend/redis"
	_ "go.miragespace.co/kv/backend/sqlite"
	_ "go.miragespace.co/kv/backend/swift"
	_ "go.miragespace.co/kv/httpkv"
)
