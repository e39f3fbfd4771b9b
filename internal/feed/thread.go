package feed

// ThreadRefs are the NIP-10 references of a reply
type ThreadRefs struct {
	Root  string
	Reply string // direct parent; equals Root for top-level replies
}

// IsReply reports whether the event refers to a parent at all
func (r ThreadRefs) IsReply() bool { return r.Reply != "" }

// ParseThreadRefs reads the e tags of a note. Marked tags ("root", "reply")
// win; otherwise the deprecated positional scheme applies: first e is the root,
// last e is the parent. "mention" tags never make a note a reply.
func ParseThreadRefs(tags [][]string) ThreadRefs {
	var refs ThreadRefs
	var positional []string
	marked := false

	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "e" || tag[1] == "" {
			continue
		}
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "root":
			refs.Root = tag[1]
			marked = true
		case "reply":
			refs.Reply = tag[1]
			marked = true
		case "mention":
			marked = true
		default:
			positional = append(positional, tag[1])
		}
	}

	if marked {
		if refs.Reply == "" {
			refs.Reply = refs.Root
		}
		if refs.Root == "" {
			refs.Root = refs.Reply
		}
		return refs
	}
	if len(positional) > 0 {
		refs.Root = positional[0]
		refs.Reply = positional[len(positional)-1]
	}
	return refs
}
