package obstack

// StealObjectsAndHandles moves every slab, RObj, and Handle o currently
// owns into dst and empties o, per spec.md §4.8's cross-obstack
// transfer: the common case of a callee's obstack outliving the call
// and being absorbed by its caller's (or the process-global) obstack
// without copying a single body.
//
// o's partially-used current slab becomes dst's leftover capacity only
// if dst itself has no slab in progress; otherwise o's slabs are kept
// as independent, fully-adopted entries so dst's own bump pointer
// never has to reconcile two different "current" slabs.
func (o *Obstack) StealObjectsAndHandles(dst *Obstack) {
	if len(o.slabs) == 0 && len(o.objects) == 0 && len(o.handles) == 0 {
		return
	}

	if dst.cur == nil {
		dst.cur = o.cur
	}
	dst.slabs = append(dst.slabs, o.slabs...)

	dst.objects = append(dst.objects, o.objects...)

	for id, h := range o.handles {
		h.owner = dst
		dst.handles[dst.nextHandle+id] = h
	}
	dst.nextHandle += o.nextHandle

	dst.tasks = append(dst.tasks, o.tasks...)

	o.slabs = nil
	o.cur = nil
	o.objects = nil
	o.handles = make(map[uint64]*Handle)
	o.tasks = nil
}
