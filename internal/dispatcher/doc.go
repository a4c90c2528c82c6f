// Package dispatcher provides the synchronous message bus every store and
// action module is built on.
//
// Delivery
//
// A Dispatcher has a single channel: every registered handler receives every
// message, in registration order, and is expected to switch on the message
// type. There are no topics.
//
// Re-entrancy
//
// Dispatch is queue-and-drain. The first caller becomes the drainer and
// delivers queued messages one at a time until the queue is empty. A handler
// that calls Dispatch while a message is being delivered only enqueues; its
// message is delivered after the current one has reached every handler, so no
// handler ever observes partial delivery of an outer message:
//
//	bus.Register(func(msg dispatcher.Message) {
//	    if _, ok := msg.(store.TraverseMessage); ok {
//	        bus.Dispatch(refresh) // delivered after the traverse message
//	    }
//	})
//
// A Dispatch from another goroutine while a drain is running enqueues and then
// waits for the running drain to deliver its message, so once Dispatch returns
// every handler has seen it. FIFO order across goroutines is preserved. A
// handler must therefore not block on another goroutine that dispatches on
// the same bus.
//
// Failures
//
// A handler that panics does not stop delivery to the handlers after it. The
// panic is recovered, logged and returned from the Dispatch or Await call
// waiting for that message. Failures of messages nobody waited for, such as
// those dispatched from inside a handler, go to the call that delivered them.
package dispatcher
