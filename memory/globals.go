package memory

// Process-wide state. Initialization is explicitly sequenced: the heap
// first, then the handle table, then the stack pool. The vm package
// constructs the global roots afterwards, with the GC lock engaged.
var (
	ProcessHeap    *Heap
	ProcessHandles *HandleTable
	ProcessStacks  *StackPool
)

func init() {
	ProcessHeap = NewHeap()
	ProcessHandles = NewHandleTable(ProcessHeap)
	ProcessStacks = NewStackPool(ProcessHeap)
}
