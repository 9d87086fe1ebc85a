package stream

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xraph/escrow/entity"
)

// Topic names follow a pattern:
//
//	status_updates   every event
//	<kind>_updates   events for one entity kind, e.g. task_updates
//	<kind>:<id>      events for a single entity, e.g. task:TSK-1

const (
	TopicAll = "status_updates"

	// TopicAllAlias is accepted wherever TopicAll is.
	TopicAllAlias = "all"

	kindTopicSuffix = "_updates"
)

// KindTopic returns the topic carrying every event for kind.
func KindTopic(kind entity.Kind) string { return kind.String() + kindTopicSuffix }

// EntityTopic returns the topic carrying events for a single entity.
func EntityTopic(key entity.Key) string { return key.String() }

// NormalizeTopic validates topic and returns its canonical name.
func NormalizeTopic(topic string) (string, error) {
	switch topic {
	case TopicAll, TopicAllAlias:
		return TopicAll, nil
	case "":
		return "", fmt.Errorf("stream: empty topic")
	}

	// Entity ids may end in the kind suffix; kind topics never hold a colon.
	if kind, entityID, ok := strings.Cut(topic, ":"); ok {
		key, err := entity.NewKey(kind, entityID)
		if err != nil {
			return "", fmt.Errorf("stream: invalid topic %q: %w", topic, err)
		}
		return EntityTopic(key), nil
	}

	kind, ok := strings.CutSuffix(topic, kindTopicSuffix)
	if !ok {
		return "", fmt.Errorf("stream: invalid topic %q", topic)
	}
	k, err := entity.ParseKind(kind)
	if err != nil {
		return "", fmt.Errorf("stream: invalid topic %q: %w", topic, err)
	}
	return KindTopic(k), nil
}

// resolveTopics returns every topic an event is published to.
func resolveTopics(evt *Event) []string {
	topics := []string{TopicAll}
	key, err := evt.Key()
	if err != nil {
		return topics
	}
	return append(topics, KindTopic(key.Kind), EntityTopic(key))
}

// TopicRegistry manages subscriber sets per topic.
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

// Subscribe adds a subscriber to a topic. Creates the topic if it
// doesn't exist.
func (tr *TopicRegistry) Subscribe(topic string, sub *Subscriber) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		subs = make(map[string]*Subscriber)
		tr.topics[topic] = subs
	}
	subs[sub.ID()] = sub
	sub.addTopic(topic)
}

// Unsubscribe removes a subscriber from a topic. Cleans up empty topics.
func (tr *TopicRegistry) Unsubscribe(topic, subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	subs, ok := tr.topics[topic]
	if !ok {
		return
	}
	if sub, exists := subs[subscriberID]; exists {
		sub.removeTopic(topic)
		delete(subs, subscriberID)
	}
	if len(subs) == 0 {
		delete(tr.topics, topic)
	}
}

// UnsubscribeAll removes a subscriber from all topics.
func (tr *TopicRegistry) UnsubscribeAll(subscriberID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for topic, subs := range tr.topics {
		if sub, ok := subs[subscriberID]; ok {
			sub.removeTopic(topic)
			delete(subs, subscriberID)
		}
		if len(subs) == 0 {
			delete(tr.topics, topic)
		}
	}
}

// Broadcast sends an event to all subscribers on the listed topics.
// Subscribers on more than one of the topics receive the event once.
// The subscriber set is copied under the read lock and delivery happens
// outside it. It returns the number of subscribers that accepted the
// event and the subscribers that could not take it.
func (tr *TopicRegistry) Broadcast(topics []string, evt *Event) (delivered int, failed []*Subscriber) {
	tr.mu.RLock()
	seen := make(map[string]*Subscriber)
	for _, topic := range topics {
		for id, sub := range tr.topics[topic] {
			seen[id] = sub
		}
	}
	tr.mu.RUnlock()

	for _, sub := range seen {
		switch sub.send(evt) {
		case sendDelivered:
			delivered++
		case sendFailed:
			failed = append(failed, sub)
		}
	}
	return delivered, failed
}

// TopicCount returns the number of active topics.
func (tr *TopicRegistry) TopicCount() int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics)
}

// SubscriberCount returns the number of subscribers on a topic.
func (tr *TopicRegistry) SubscriberCount(topic string) int {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return len(tr.topics[topic])
}
