package scim

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/gatehouse-sso/gatehouse/pkg/directory"
)

// Patch ops per RFC 7644 §3.5.2
const (
	opAdd     = "add"
	opRemove  = "remove"
	opReplace = "replace"
)

// ApplyUserPatch is a pure reducer: it returns a copy of the user with the
// operations applied, leaving the input untouched. Validation failures
// surface as SCIM error responses.
func ApplyUserPatch(user directory.User, ops []PatchOperation) (directory.User, error) {
	for _, op := range ops {
		var err error
		user, err = applyUserOp(user, op)
		if err != nil {
			return directory.User{}, err
		}
	}
	return user, nil
}

func applyUserOp(user directory.User, op PatchOperation) (directory.User, error) {
	switch strings.ToLower(op.Op) {
	case opAdd, opReplace:
		return applyUserSet(user, op)
	case opRemove:
		return applyUserRemove(user, op.Path)
	default:
		return user, newError(http.StatusBadRequest, "invalidSyntax", "unknown patch op "+op.Op)
	}
}

func applyUserSet(user directory.User, op PatchOperation) (directory.User, error) {
	// a missing path means the value is a partial resource object
	if op.Path == "" {
		var partial map[string]json.RawMessage
		if err := json.Unmarshal(op.Value, &partial); err != nil {
			return user, newError(http.StatusBadRequest, "invalidValue", "patch value must be an object when path is omitted")
		}
		for attr, raw := range partial {
			var err error
			user, err = applyUserSet(user, PatchOperation{Op: op.Op, Path: attr, Value: raw})
			if err != nil {
				return user, err
			}
		}
		return user, nil
	}

	switch strings.ToLower(op.Path) {
	case "username":
		return setString(user, op.Value, func(u *directory.User, v string) { u.Username = v })
	case "displayname", "name.formatted":
		return setString(user, op.Value, func(u *directory.User, v string) { u.DisplayName = v })
	case "externalid":
		return setString(user, op.Value, func(u *directory.User, v string) { u.ExternalID = v })
	case "active":
		var active bool
		if err := json.Unmarshal(op.Value, &active); err != nil {
			// IdPs commonly send active as a string
			var s string
			if err := json.Unmarshal(op.Value, &s); err != nil || (s != "true" && s != "false") {
				return user, newError(http.StatusBadRequest, "invalidValue", "active must be boolean")
			}
			active = s == "true"
		}
		user.Active = active
		return user, nil
	case "emails", `emails[type eq "work"].value`:
		return setEmail(user, op.Value)
	default:
		return user, newError(http.StatusBadRequest, "invalidPath", "unsupported path "+op.Path)
	}
}

func setString(user directory.User, raw json.RawMessage, assign func(*directory.User, string)) (directory.User, error) {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return user, newError(http.StatusBadRequest, "invalidValue", "expected string value")
	}
	assign(&user, v)
	return user, nil
}

func setEmail(user directory.User, raw json.RawMessage) (directory.User, error) {
	// accept either a bare string or the multi-valued emails form
	var v string
	if err := json.Unmarshal(raw, &v); err == nil {
		user.Email = v
		return user, nil
	}
	var emails []EmailValue
	if err := json.Unmarshal(raw, &emails); err != nil || len(emails) == 0 {
		return user, newError(http.StatusBadRequest, "invalidValue", "expected email value")
	}
	for _, e := range emails {
		if e.Primary {
			user.Email = e.Value
			return user, nil
		}
	}
	user.Email = emails[0].Value
	return user, nil
}

func applyUserRemove(user directory.User, path string) (directory.User, error) {
	switch strings.ToLower(path) {
	case "displayname", "name.formatted":
		user.DisplayName = ""
		return user, nil
	case "externalid":
		user.ExternalID = ""
		return user, nil
	case "":
		return user, newError(http.StatusBadRequest, "noTarget", "remove requires a path")
	default:
		return user, newError(http.StatusBadRequest, "invalidPath", "unsupported path "+path)
	}
}

// ApplyGroupPatch is the group counterpart of ApplyUserPatch
func ApplyGroupPatch(group directory.Group, ops []PatchOperation) (directory.Group, error) {
	for _, op := range ops {
		var err error
		group, err = applyGroupOp(group, op)
		if err != nil {
			return directory.Group{}, err
		}
	}
	return group, nil
}

var memberFilterRe = regexp.MustCompile(`^members\[value eq "([^"]+)"\]$`)

func applyGroupOp(group directory.Group, op PatchOperation) (directory.Group, error) {
	path := strings.ToLower(op.Path)
	switch strings.ToLower(op.Op) {
	case opReplace, opAdd:
		switch path {
		case "displayname":
			var v string
			if err := json.Unmarshal(op.Value, &v); err != nil {
				return group, newError(http.StatusBadRequest, "invalidValue", "expected string value")
			}
			group.DisplayName = v
			return group, nil
		case "externalid":
			var v string
			if err := json.Unmarshal(op.Value, &v); err != nil {
				return group, newError(http.StatusBadRequest, "invalidValue", "expected string value")
			}
			group.ExternalID = v
			return group, nil
		case "members":
			var members []MemberRef
			if err := json.Unmarshal(op.Value, &members); err != nil {
				return group, newError(http.StatusBadRequest, "invalidValue", "expected member list")
			}
			if strings.ToLower(op.Op) == opReplace {
				group.Members = nil
			}
			for _, m := range members {
				if !containsString(group.Members, m.Value) {
					group.Members = append(group.Members, m.Value)
				}
			}
			return group, nil
		default:
			return group, newError(http.StatusBadRequest, "invalidPath", "unsupported path "+op.Path)
		}
	case opRemove:
		if path == "members" {
			group.Members = nil
			return group, nil
		}
		if m := memberFilterRe.FindStringSubmatch(op.Path); m != nil {
			group.Members = removeString(group.Members, m[1])
			return group, nil
		}
		return group, newError(http.StatusBadRequest, "invalidPath", "unsupported path "+op.Path)
	default:
		return group, newError(http.StatusBadRequest, "invalidSyntax", "unknown patch op "+op.Op)
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
