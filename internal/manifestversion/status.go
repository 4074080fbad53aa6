// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manifestversion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// Builder statuses.
const (
	StatusInflight = "inflight"
	StatusPassed   = "pass"
	StatusFailed   = "fail"
)

// BuilderStatus is the outcome of one builder on one version.
type BuilderStatus struct {
	Status       string `json:"status"`
	DashboardURL string `json:"dashboard_url,omitempty"`
}

// StatusStore keeps builder statuses per version.
type StatusStore interface {
	// Get returns the status, or nil if the builder never reported one.
	Get(ctx context.Context, builder string, v Version) (*BuilderStatus, error)
	Set(ctx context.Context, builder string, v Version, s *BuilderStatus) error
}

func statusPath(builder string, v Version) string {
	return fmt.Sprintf("builder-status/%s/%s", builder, v)
}

// GSStatusStore keeps statuses in a Google Storage bucket.
type GSStatusStore struct {
	Client *storage.Client
	Bucket string
}

var _ StatusStore = (*GSStatusStore)(nil)

// Get implements StatusStore.
func (g *GSStatusStore) Get(ctx context.Context, builder string, v Version) (*BuilderStatus, error) {
	name := statusPath(builder, v)
	r, err := g.Client.Bucket(g.Bucket).Object(name).NewReader(ctx)
	switch {
	case err == storage.ErrObjectNotExist:
		return nil, nil
	case err != nil:
		return nil, errors.Annotate(err, "failed to open gs://%s/%s", g.Bucket, name).Tag(transient.Tag).Err()
	}
	defer r.Close()
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read gs://%s/%s", g.Bucket, name).Tag(transient.Tag).Err()
	}
	return decodeStatus(blob)
}

// Set implements StatusStore.
func (g *GSStatusStore) Set(ctx context.Context, builder string, v Version, s *BuilderStatus) error {
	name := statusPath(builder, v)
	blob, err := json.Marshal(s)
	if err != nil {
		return errors.Annotate(err, "failed to encode status").Err()
	}
	w := g.Client.Bucket(g.Bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(blob); err != nil {
		w.Close()
		return errors.Annotate(err, "failed to write gs://%s/%s", g.Bucket, name).Tag(transient.Tag).Err()
	}
	if err := w.Close(); err != nil {
		return errors.Annotate(err, "failed to write gs://%s/%s", g.Bucket, name).Tag(transient.Tag).Err()
	}
	return nil
}

// RepoStatusStore keeps statuses as commits in the versions repository.
type RepoStatusStore struct {
	Repo *GitRepo
}

var _ StatusStore = (*RepoStatusStore)(nil)

// Get implements StatusStore.
func (s *RepoStatusStore) Get(ctx context.Context, builder string, v Version) (*BuilderStatus, error) {
	name := statusPath(builder, v)
	switch ok, err := s.Repo.Exists(name); {
	case err != nil:
		return nil, err
	case !ok:
		return nil, nil
	}
	blob, err := s.Repo.Read(name)
	if err != nil {
		return nil, err
	}
	return decodeStatus(blob)
}

// Set implements StatusStore.
func (s *RepoStatusStore) Set(ctx context.Context, builder string, v Version, st *BuilderStatus) error {
	blob, err := json.Marshal(st)
	if err != nil {
		return errors.Annotate(err, "failed to encode status").Err()
	}
	msg := fmt.Sprintf("Automatic: %s %s is %s", builder, v, st.Status)
	return s.Repo.Write(ctx, statusPath(builder, v), blob, msg)
}

func decodeStatus(blob []byte) (*BuilderStatus, error) {
	s := &BuilderStatus{}
	if err := json.Unmarshal(blob, s); err != nil {
		return nil, errors.Annotate(err, "bad builder status").Err()
	}
	return s, nil
}
