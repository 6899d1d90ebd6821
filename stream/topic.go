package stream

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xraph/herald/job"
)

// Topic names follow a pattern:
//
//	user:<subject>    events for jobs a principal submitted
//	entity:<id>       events for jobs whose payload names the entity
//	job:<jobID>       events for a specific job
//	operators         dead-letter alerts

// TopicOperators is the operator alert topic.
const TopicOperators = "operators"

// ErrInvalidTopic is returned for topic names that match no pattern.
var ErrInvalidTopic = errors.New("stream: invalid topic")

// UserTopic returns the topic name for a principal.
func UserTopic(subject string) string { return "user:" + subject }

// EntityTopic returns the topic name for a business entity.
func EntityTopic(entityID string) string { return "entity:" + entityID }

// JobTopic returns the topic name for a specific job.
func JobTopic(jobID string) string { return "job:" + jobID }

// JobTopics returns every topic events of r are published to: the job
// topic, one topic per named entity and the owner's user topic.
func JobTopics(r *job.Record) []string {
	topics := make([]string, 0, 2+len(r.Entities))
	topics = append(topics, JobTopic(r.ID))
	for _, e := range r.Entities {
		topics = append(topics, EntityTopic(e))
	}
	if r.Owner != "" {
		topics = append(topics, UserTopic(r.Owner))
	}
	return topics
}

// ParseTopic splits a topic into its kind and reference. The operators
// topic has an empty reference.
func ParseTopic(topic string) (kind, ref string, err error) {
	if topic == TopicOperators {
		return TopicOperators, "", nil
	}
	kind, ref, ok := strings.Cut(topic, ":")
	if !ok || ref == "" || strings.ContainsAny(ref, " \t\r\n") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	switch kind {
	case "user", "entity", "job":
		return kind, ref, nil
	default:
		return "", "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTopic, kind)
	}
}

// ValidateTopic checks whether a topic string is valid.
func ValidateTopic(topic string) error {
	_, _, err := ParseTopic(topic)
	return err
}

// TopicRegistry tracks which local subscribers are on which topic.
// It is safe for concurrent use.
type TopicRegistry struct {
	mu     sync.RWMutex
	topics map[string]map[string]*Subscriber // topic → subscriberID → subscriber
}

// NewTopicRegistry creates an empty topic registry.
func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		topics: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe adds a subscriber to a topic. It reports false when the
// subscriber was already a member.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	if _, dup := subs[sub.ID()]; dup {
		return false
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
	return true
}

// Unsubscribe removes a subscriber from a topic and cleans up empty
// topics. It reports whether the subscriber was a member.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		return false
	}
	sub, exists := subs[subscriberID]
	if exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
	return exists
}

// Publish sends an event to all subscribers on its topic. It returns
// the number of subscribers that received the event and those whose
// buffer was full.
func (tr *TopicRegistry) Publish(evt *Event) (delivered int, overflowed []*Subscriber) {
	tr.mu.RLock()
	subs := tr.topics[evt.Topic]
	targets := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	tr.mu.RUnlock()

	for _, s := range targets {
		switch s.send(evt) {
		case sendOK:
			delivered++
		case sendFull:
			overflowed = append(overflowed, s)
		}
	}
	return delivered, overflowed
}

// Topics returns the names of all topics with local members, sorted.
func (tr *TopicRegistry) Topics() []string {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]string, 0, len(tr.topics))
	for t := range tr.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TopicCount returns the number of topics with local members.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of local subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}
