/*
Package worker provides the bounded [min,max] worker pool shared by the
cache's read and write stages and the RRL service.

Min workers stay resident; the pool grows to Max under load and shrinks back
after an idle timeout. The shape {-1,-1} creates no pool at all: Submit runs
tasks inline on the submitting goroutine, which stage processors use when
the adapter batches internally.
*/
package worker
