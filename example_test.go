package retaintrack_test

import (
	"fmt"

	"github.com/memtrack/retaintrack"
	"github.com/memtrack/retaintrack/rtadapter"
	"github.com/memtrack/retaintrack/rtadapter/simadapter"
)

// Example_basicUsage demonstrates creating a Capture, tracking a class,
// and reading its retained count back out.
//
// This shows the fundamental pattern of:
// 1. Creating a reference adapter and a Capture bound to it with New()
// 2. Starting the Capture with Start()
// 3. Tracking a class with Track()
// 4. Allocating and freeing simulated objects through the adapter
// 5. Draining the consumer path and reading the result
func Example_basicUsage() {
	adapter, err := simadapter.New()
	if err != nil {
		fmt.Println("failed to create adapter:", err)
		return
	}
	defer adapter.Close()

	capture := retaintrack.New(adapter)
	if err := capture.Start(); err != nil {
		fmt.Println("failed to start capture:", err)
		return
	}
	defer capture.Stop()

	const class rtadapter.ClassRef = 1
	capture.Track(class, nil)

	retained := adapter.NewObject(class)
	churned := adapter.NewObject(class)
	adapter.Free(churned)

	// The reference adapter's consumer pass runs on a background
	// goroutine; Drain forces a synchronous flush before reading state.
	capture.Drain()

	fmt.Println("retained:", capture.RetainedCountOf(class))

	var found bool
	capture.EachObject(class, func(object rtadapter.ObjectRef, data any) {
		if object == retained {
			found = true
		}
	})
	fmt.Println("still tracked:", found)

	// Output:
	// retained: 1
	// still tracked: true
}
