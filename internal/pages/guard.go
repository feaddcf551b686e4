package pages

import (
	"errors"
	"fmt"
	"sort"

	"storysync/internal/wire"
)

var (
	ErrLastPage     = errors.New("pages: cannot delete the last remaining page")
	ErrPageOccupied = errors.New("pages: page is being viewed by another participant")
)

// OnPageChange records where another participant is positioned.
func (r *Reconciler) OnPageChange(m wire.Message) {
	if m.UserID == "" || m.UserID == r.cfg.Self || m.PageNumber == nil {
		return
	}
	r.viewers[m.UserID] = *m.PageNumber
}

// OnPageViewers replaces the occupancy map with a relay response.
func (r *Reconciler) OnPageViewers(m wire.Message) {
	viewers := make(map[string]int)
	for page, list := range m.PageViewers {
		for _, v := range list {
			if v.UserID != r.cfg.Self {
				viewers[v.UserID] = page
			}
		}
	}
	r.viewers = viewers
}

// ForgetViewer drops a participant who left.
func (r *Reconciler) ForgetViewer(userID string) {
	delete(r.viewers, userID)
}

// Viewers returns the other participants positioned on page index.
func (r *Reconciler) Viewers(index int) []string {
	var out []string
	for id, page := range r.viewers {
		if page == index {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// CanDelete reports why page index may not be removed, if it may not.
func (r *Reconciler) CanDelete(index int) error {
	if index < 0 || index >= r.draft.Len() {
		return ErrNoSuchPage
	}
	if r.draft.Len() <= 1 {
		return ErrLastPage
	}
	if !r.collaborating {
		return nil
	}
	if who := r.Viewers(index); len(who) > 0 {
		return fmt.Errorf("page %d viewed by %v: %w", index+1, who, ErrPageOccupied)
	}
	return nil
}

// shiftViewers keeps occupancy aligned after page index was removed.
func (r *Reconciler) shiftViewers(index int) {
	for id, page := range r.viewers {
		if page > index {
			r.viewers[id] = page - 1
		}
	}
}

// RequestPageViewers asks the relay for the current occupancy map.
func (r *Reconciler) RequestPageViewers() error {
	if !r.collaborating {
		return nil
	}
	return r.send(wire.Message{Type: wire.TypeRequestPageViewers})
}

// Picker is the selection state of an open page-deletion dialog.
type Picker struct {
	r        *Reconciler
	selected map[int]bool
}

// NewPicker opens an empty deletion selection.
func (r *Reconciler) NewPicker() *Picker {
	return &Picker{r: r, selected: make(map[int]bool)}
}

// Toggle selects or deselects page index. Selecting an ineligible page, or
// every remaining page, is refused.
func (p *Picker) Toggle(index int) error {
	if p.selected[index] {
		delete(p.selected, index)
		return nil
	}
	if err := p.r.CanDelete(index); err != nil {
		return err
	}
	if len(p.selected)+1 >= p.r.draft.Len() {
		return ErrLastPage
	}
	p.selected[index] = true
	return nil
}

// Selected returns the chosen page indexes in ascending order.
func (p *Picker) Selected() []int {
	out := make([]int, 0, len(p.selected))
	for i := range p.selected {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Refresh drops selections that became ineligible, typically because
// someone navigated onto them. It returns a notice when anything was
// dropped, and an empty string otherwise.
func (p *Picker) Refresh() string {
	var dropped []int
	for i := range p.selected {
		if p.r.CanDelete(i) != nil {
			dropped = append(dropped, i+1)
			delete(p.selected, i)
		}
	}
	if len(dropped) == 0 {
		return ""
	}
	sort.Ints(dropped)
	if len(dropped) == 1 {
		return fmt.Sprintf("Page %d was deselected because someone is now viewing it.", dropped[0])
	}
	return fmt.Sprintf("Pages %v were deselected because someone is now viewing them.", dropped)
}

// Confirm requests deletion of every selected page, highest index first so
// earlier indexes stay valid, and clears the selection.
func (p *Picker) Confirm() error {
	sel := p.Selected()
	p.selected = make(map[int]bool)
	for i := len(sel) - 1; i >= 0; i-- {
		if err := p.r.LocalDeletePage(sel[i]); err != nil {
			return fmt.Errorf("delete page %d: %w", sel[i]+1, err)
		}
	}
	return nil
}
