package core

// Message is the payload emitted on a status channel: a single text field
// carrying the caller's string verbatim.
type Message struct {
	Data string `json:"data"`
}

// BlackboardUpdate can be emitted when blackboard entries change.
type BlackboardUpdate struct {
	Key   string
	Value interface{}
}
