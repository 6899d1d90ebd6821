// Package store defines the aggregate persistence interface.
//
// The job and dlq packages each define their own store contract. The
// composite [Store] combines them so a single backend satisfies both:
//
//	type Store interface {
//	    job.Store
//	    dlq.Store
//
//	    Ping(ctx context.Context) error
//	    Close() error
//	}
//
// # Available Backends
//
//   - store/redis: durable, shared by every process (production)
//   - store/memory: single-process store for development and testing
//
// # Usage
//
//	import redisstore "github.com/xraph/herald/store/redis"
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	eng, err := engine.New(s, engine.WithLogger(logger))
package store
