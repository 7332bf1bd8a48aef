package cart

// Action is the closed set of cart transitions.
type Action interface {
	isAction()
}

// AddItem merges the item into an existing line or appends a new one, and opens the drawer.
// Merged quantities are capped at MaxQuantity.
type AddItem struct{ Item Item }

// RemoveItem drops the line with the given key.
type RemoveItem struct{ Key ItemKey }

// UpdateQuantity sets a line's quantity; a quantity below one removes the line and
// a quantity above MaxQuantity is capped.
type UpdateQuantity struct {
	Key      ItemKey
	Quantity int
}

// ClearCart empties the cart and purges storage.
type ClearCart struct{}

// OpenDrawer shows the cart drawer.
type OpenDrawer struct{}

// CloseDrawer hides the cart drawer.
type CloseDrawer struct{}

func (AddItem) isAction() {}
func (RemoveItem) isAction() {}
func (UpdateQuantity) isAction() {}
func (ClearCart) isAction() {}
func (OpenDrawer) isAction() {}
func (CloseDrawer) isAction() {}

// reduce is the pure transition function. It never mutates the input state.
func reduce(state State, action Action) State {
	next := State{Items: append([]Item(nil), state.Items...), DrawerOpen: state.DrawerOpen}

	switch typed := action.(type) {
	case AddItem:
		incoming := typed.Item
		if incoming.Quantity < 1 {
			incoming.Quantity = 1
		}
		incoming.Quantity = capQuantity(incoming.Quantity)
		merged := false
		for index := range next.Items {
			if next.Items[index].Key() == incoming.Key() {
				next.Items[index].Quantity = capQuantity(next.Items[index].Quantity + incoming.Quantity)
				merged = true
				break
			}
		}
		if !merged {
			next.Items = append(next.Items, incoming)
		}
		next.DrawerOpen = true
	case RemoveItem:
		next.Items = removeLine(next.Items, typed.Key)
	case UpdateQuantity:
		if typed.Quantity < 1 {
			next.Items = removeLine(next.Items, typed.Key)
			break
		}
		for index := range next.Items {
			if next.Items[index].Key() == typed.Key {
				next.Items[index].Quantity = capQuantity(typed.Quantity)
				break
			}
		}
	case ClearCart:
		next.Items = []Item{}
	case OpenDrawer:
		next.DrawerOpen = true
	case CloseDrawer:
		next.DrawerOpen = false
	}

	if next.Items == nil {
		next.Items = []Item{}
	}
	return next
}

func capQuantity(quantity int) int {
	if quantity > MaxQuantity {
		return MaxQuantity
	}
	return quantity
}

func removeLine(items []Item, key ItemKey) []Item {
	kept := items[:0]
	for _, item := range items {
		if item.Key() != key {
			kept = append(kept, item)
		}
	}
	return kept
}

func mutatesItems(action Action) bool {
	switch action.(type) {
	case OpenDrawer, CloseDrawer:
		return false
	default:
		return true
	}
}
