// Package redis implements store.Store on Redis.
//
// Each category owns a family of keys:
//
//	queue:{c}:waiting         sorted set, score priority·10^12 + seq
//	queue:{c}:delayed         sorted set, score run-at (unix ms)
//	queue:{c}:active          sorted set, score lease expiry (unix ms)
//	queue:{c}:finished        sorted set, score finish time (unix ms)
//	queue:{c}:seq             submission counter
//	queue:{c}:job:{id}        hash with the job record
//	queue:{c}:cancel:{id}     cancel flag of an active job
//	queue:{c}:deadletter      sorted set of dead-letter ids by failure time
//	queue:{c}:deadletter:{id} hash with the dead-letter entry
//
// and two global lookups, queue:index (job id → category) and
// queue:deadletter:index (dead-letter id → category). Cancel requests
// are also published on the queue:cancellations channel.
//
// Every state change of a job runs as a single Lua script, so leasing
// is the only point of mutual exclusion between processes and a worker
// whose lease was reclaimed can never overwrite the record.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
