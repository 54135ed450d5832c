package notify

import (
	"context"
	"fmt"
	"time"
)

// ExampleHub_Broadcast demonstrates broadcasting an event and flushing via Close.
func ExampleHub_Broadcast() {
	var names []string
	sink := SinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			names = append(names, evt.Name)
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Second,
	}, sink)

	hub.Broadcast("processes:history", map[string]string{"processId": "p1"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	fmt.Println(names)
	// Output: [processes:history]
}
