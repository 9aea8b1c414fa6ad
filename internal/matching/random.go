package matching

// pairGeneral pairs the two oldest untagged tickets, if there are two.
// Tickets still inside their interest window are skipped: the interest
// phase has priority while its fallback task is live.
func (q *Queue) pairGeneral() *Pair {
	var first *Ticket
	for _, t := range q.tickets {
		if t.Tagged() {
			continue
		}
		if first == nil {
			first = t
			continue
		}
		q.remove(first.ConnID)
		q.remove(t.ConnID)
		return &Pair{A: *first, B: *t, Kind: KindRandom}
	}
	return nil
}
