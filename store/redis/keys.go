package redis

// keys builds Redis key names. All keys carry an optional prefix so
// several deployments can share one database.
type keys struct {
	prefix string
}

func (k keys) base(category string) string { return k.prefix + "queue:" + category + ":" }

func (k keys) waiting(category string) string  { return k.base(category) + "waiting" }
func (k keys) delayed(category string) string  { return k.base(category) + "delayed" }
func (k keys) active(category string) string   { return k.base(category) + "active" }
func (k keys) finished(category string) string { return k.base(category) + "finished" }
func (k keys) seq(category string) string      { return k.base(category) + "seq" }

// jobPrefix is the job hash key without the id, used inside scripts.
func (k keys) jobPrefix(category string) string { return k.base(category) + "job:" }

func (k keys) job(category, jobID string) string { return k.jobPrefix(category) + jobID }

func (k keys) cancel(category, jobID string) string { return k.base(category) + "cancel:" + jobID }

func (k keys) deadLetters(category string) string { return k.base(category) + "deadletter" }

func (k keys) deadLetter(category, entryID string) string {
	return k.base(category) + "deadletter:" + entryID
}

// jobIndex maps job id → category.
func (k keys) jobIndex() string { return k.prefix + "queue:index" }

// deadLetterIndex maps dead-letter id → category.
func (k keys) deadLetterIndex() string { return k.prefix + "queue:deadletter:index" }

// deadLetterTimeline orders every dead letter by failure time.
func (k keys) deadLetterTimeline() string { return k.prefix + "queue:deadletter:timeline" }

// cancellations is the pub/sub channel carrying cancelled job ids.
func (k keys) cancellations() string { return k.prefix + "queue:cancellations" }
