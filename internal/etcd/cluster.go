package etcd

import (
	"context"
	"strconv"

	"github.com/docker/go-units"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/tzfun/etcd-workbench/internal/apperr"
)

// Member is one cluster member. Alarms name the alarms raised for it.
type Member struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	PeerURLs   []string `json:"peerUrls"`
	ClientURLs []string `json:"clientUrls"`
	IsLearner  bool     `json:"isLearner"`
	Alarms     []string `json:"alarms,omitempty"`
}

// Status is the status of the member this connection talks to.
type Status struct {
	Version          string   `json:"version"`
	DBSize           int64    `json:"dbSize"`
	DBSizeHuman      string   `json:"dbSizeHuman"`
	DBSizeInUse      int64    `json:"dbSizeInUse"`
	Leader           string   `json:"leader"`
	RaftIndex        uint64   `json:"raftIndex"`
	RaftTerm         uint64   `json:"raftTerm"`
	RaftAppliedIndex uint64   `json:"raftAppliedIndex"`
	Errors           []string `json:"errors,omitempty"`
}

// Cluster aggregates member list, status and alarms.
type Cluster struct {
	ID       string   `json:"id"`
	MemberID string   `json:"memberId"`
	Revision int64    `json:"revision"`
	Members  []Member `json:"members"`
	Status   Status   `json:"status"`
}

func formatID(id uint64) string { return strconv.FormatUint(id, 16) }

func parseMemberID(id string) (uint64, error) {
	v, err := strconv.ParseUint(id, 16, 64)
	if err != nil {
		return 0, apperr.Argument("invalid member id %q", id)
	}
	return v, nil
}

// Status queries the status of the connected endpoint.
func (c *Connector) Status(ctx context.Context) (Status, error) {
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.StatusResponse, error) {
		return cli.Status(ctx, c.endpoint)
	})
	if err != nil {
		return Status{}, err
	}
	return Status{
		Version:          resp.Version,
		DBSize:           resp.DbSize,
		DBSizeHuman:      units.HumanSize(float64(resp.DbSize)),
		DBSizeInUse:      resp.DbSizeInUse,
		Leader:           formatID(resp.Leader),
		RaftIndex:        resp.RaftIndex,
		RaftTerm:         resp.RaftTerm,
		RaftAppliedIndex: resp.RaftAppliedIndex,
		Errors:           resp.Errors,
	}, nil
}

// ClusterInfo returns members, the connected member's status and any alarms.
func (c *Connector) ClusterInfo(ctx context.Context) (Cluster, error) {
	members, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.MemberListResponse, error) {
		return cli.MemberList(ctx)
	})
	if err != nil {
		return Cluster{}, err
	}
	status, err := c.Status(ctx)
	if err != nil {
		return Cluster{}, err
	}
	alarms, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.AlarmResponse, error) {
		return cli.AlarmList(ctx)
	})
	if err != nil {
		return Cluster{}, err
	}

	byMember := make(map[uint64][]string)
	for _, a := range alarms.Alarms {
		byMember[a.MemberID] = append(byMember[a.MemberID], a.Alarm.String())
	}

	out := Cluster{
		ID:       formatID(members.Header.GetClusterId()),
		MemberID: formatID(members.Header.GetMemberId()),
		Revision: members.Header.GetRevision(),
		Status:   status,
	}
	for _, m := range members.Members {
		out.Members = append(out.Members, Member{
			ID:         formatID(m.ID),
			Name:       m.Name,
			PeerURLs:   m.PeerURLs,
			ClientURLs: m.ClientURLs,
			IsLearner:  m.IsLearner,
			Alarms:     byMember[m.ID],
		})
	}
	return out, nil
}

func (c *Connector) MemberAdd(ctx context.Context, peerURLs []string) (Member, error) {
	if len(peerURLs) == 0 {
		return Member{}, apperr.Argument("at least one peer url is required")
	}
	resp, err := call(ctx, c, func(ctx context.Context, cli *clientv3.Client) (*clientv3.MemberAddResponse, error) {
		return cli.MemberAdd(ctx, peerURLs)
	})
	if err != nil {
		return Member{}, err
	}
	m := resp.Member
	return Member{ID: formatID(m.ID), Name: m.Name, PeerURLs: m.PeerURLs, ClientURLs: m.ClientURLs, IsLearner: m.IsLearner}, nil
}

func (c *Connector) MemberRemove(ctx context.Context, id string) error {
	mid, err := parseMemberID(id)
	if err != nil {
		return err
	}
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.MemberRemove(ctx, mid)
		return err
	})
}

func (c *Connector) MemberUpdate(ctx context.Context, id string, peerURLs []string) error {
	mid, err := parseMemberID(id)
	if err != nil {
		return err
	}
	if len(peerURLs) == 0 {
		return apperr.Argument("at least one peer url is required")
	}
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.MemberUpdate(ctx, mid, peerURLs)
		return err
	})
}

// Defragment defragments the connected member's backend.
func (c *Connector) Defragment(ctx context.Context) error {
	return c.do(ctx, func(ctx context.Context, cli *clientv3.Client) error {
		_, err := cli.Defragment(ctx, c.endpoint)
		return err
	})
}
