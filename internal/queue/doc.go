// Package queue hosts the priority queue substrates behind the Task Dispatcher.
//
// Both implementations share the same contract: higher priority first, FIFO
// within a priority, and late acknowledgement. A dequeued item stays in flight
// until Ack; if its worker dies, Reclaim makes it deliverable again once the
// visibility window passes.
package queue
