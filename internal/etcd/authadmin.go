package etcd

import (
	"bytes"
	"context"
	"sort"

	"go.etcd.io/etcd/api/v3/authpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

const rootName = "root"

// User is an etcd user with its granted roles.
type User struct {
	Name  string   `json:"user"`
	Roles []string `json:"roles"`
}

// PermType is "Read", "Write" or "ReadWrite".
type PermType string

const (
	PermRead      PermType = "Read"
	PermWrite     PermType = "Write"
	PermReadWrite PermType = "ReadWrite"
)

// Permission is a role's access to a key, a prefix or every key. Role
// permissions are cluster-wide and are not namespaced.
type Permission struct {
	Key     string   `json:"key"`
	Type    PermType `json:"permType"`
	Prefix  bool     `json:"prefix"`
	AllKeys bool     `json:"allKeys"`
}

// rangeEnd returns the etcd range end that encodes p.
func (p Permission) rangeEnd() string {
	switch {
	case p.AllKeys:
		return string(noRangeEnd)
	case p.Prefix:
		return string(rangeEnd([]byte(p.Key)))
	default:
		return ""
	}
}

func (p Permission) key() string {
	if p.AllKeys {
		return string(noRangeEnd)
	}
	return p.Key
}

func (p Permission) clientType() (clientv3.PermissionType, error) {
	switch p.Type {
	case PermRead:
		return clientv3.PermissionType(clientv3.PermRead), nil
	case PermWrite:
		return clientv3.PermissionType(clientv3.PermWrite), nil
	case PermReadWrite:
		return clientv3.PermissionType(clientv3.PermReadWrite), nil
	default:
		return 0, apperr.Argument("unknown permission type %q", p.Type)
	}
}

// permissionFrom decodes a stored permission. Older servers encode the
// empty key as a single zero byte, so both spellings count as "all keys".
func permissionFrom(perm *authpb.Permission) Permission {
	key, end := perm.Key, perm.RangeEnd
	allKeys := (len(key) == 0 && (len(end) == 0 || isOpenEnd(end))) ||
		(isOpenEnd(key) && isOpenEnd(end))

	p := Permission{Key: string(key), AllKeys: allKeys}
	if allKeys {
		p.Key = ""
	} else if len(end) > 0 && bytes.Equal(end, rangeEnd(key)) {
		p.Prefix = true
	}
	switch perm.PermType {
	case authpb.READ:
		p.Type = PermRead
	case authpb.WRITE:
		p.Type = PermWrite
	default:
		p.Type = PermReadWrite
	}
	return p
}

func (c *Connector) do(ctx context.Context, fn func(context.Context, *clientv3.Client) error) error {
	_, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (struct{}, error) {
		return struct{}{}, fn(ctx, cli)
	})
	return err
}

// AuthEnable turns on authentication. Connections without credentials stop
// working afterwards.
func (c *Connector) AuthEnable(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.AuthEnable(ctx)
		return err
	})
}

func (c *Connector) AuthDisable(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.AuthDisable(ctx)
		return err
	})
}

// UserList returns every user with its roles.
func (c *Connector) UserList(ctx context.Context) ([]User, error) {
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.AuthUserListResponse, error) {
		return cli.UserList(ctx)
	})
	if err != nil {
		return nil, err
	}
	users := make([]User, 0, len(resp.Users))
	for _, name := range resp.Users {
		roles, err := c.userRoles(ctx, name)
		if err != nil {
			return nil, err
		}
		users = append(users, User{Name: name, Roles: roles})
	}
	return users, nil
}

func (c *Connector) userRoles(ctx context.Context, name string) ([]string, error) {
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.AuthUserGetResponse, error) {
		return cli.UserGet(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	roles := append([]string{}, resp.Roles...)
	sort.Strings(roles)
	return roles, nil
}

// UserIsRoot reports whether name is root or holds the root role.
func (c *Connector) UserIsRoot(ctx context.Context, name string) (bool, error) {
	if name == rootName {
		return true, nil
	}
	roles, err := c.userRoles(ctx, name)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == rootName {
			return true, nil
		}
	}
	return false, nil
}

func (c *Connector) UserAdd(ctx context.Context, name, password string) error {
	if name == "" {
		return apperr.Argument("user name is required")
	}
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.UserAdd(ctx, name, password)
		return err
	})
}

func (c *Connector) UserDelete(ctx context.Context, name string) error {
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.UserDelete(ctx, name)
		return err
	})
}

func (c *Connector) UserChangePassword(ctx context.Context, name, password string) error {
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.UserChangePassword(ctx, name, password)
		return err
	})
}

func (c *Connector) UserGrantRole(ctx context.Context, name, role string) error {
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.UserGrantRole(ctx, name, role)
		return err
	})
}

func (c *Connector) UserRevokeRole(ctx context.Context, name, role string) error {
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.UserRevokeRole(ctx, name, role)
		return err
	})
}

func (c *Connector) RoleList(ctx context.Context) ([]string, error) {
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.AuthRoleListResponse, error) {
		return cli.RoleList(ctx)
	})
	if err != nil {
		return nil, err
	}
	return resp.Roles, nil
}

// RolePermissions decodes the permissions granted to role.
func (c *Connector) RolePermissions(ctx context.Context, role string) ([]Permission, error) {
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.AuthRoleGetResponse, error) {
		return cli.RoleGet(ctx, role)
	})
	if err != nil {
		return nil, err
	}
	perms := make([]Permission, 0, len(resp.Perm))
	for _, p := range resp.Perm {
		perms = append(perms, permissionFrom(p))
	}
	return perms, nil
}

func (c *Connector) RoleAdd(ctx context.Context, role string) error {
	if role == "" {
		return apperr.Argument("role name is required")
	}
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.RoleAdd(ctx, role)
		return err
	})
}

func (c *Connector) RoleDelete(ctx context.Context, role string) error {
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.RoleDelete(ctx, role)
		return err
	})
}

func (c *Connector) RoleGrantPermission(ctx context.Context, role string, perm Permission) error {
	typ, err := perm.clientType()
	if err != nil {
		return err
	}
	if !perm.AllKeys && perm.Key == "" {
		return apperr.Argument("permission key is required")
	}
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.RoleGrantPermission(ctx, role, perm.key(), perm.rangeEnd(), typ)
		return err
	})
}

func (c *Connector) RoleRevokePermission(ctx context.Context, role string, perm Permission) error {
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.RoleRevokePermission(ctx, role, perm.key(), perm.rangeEnd())
		return err
	})
}
