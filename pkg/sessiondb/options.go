// Copyright 2024 The kubegems.io Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sessiondb

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"
	"kubegems.io/jobflow/pkg/utils"
	"kubegems.io/jobflow/pkg/utils/database"
	"kubegems.io/jobflow/pkg/utils/redis"
)

const (
	DriverMemory = "memory"
	DriverMysql  = "mysql"
)

type Options struct {
	Driver string            `json:"driver,omitempty" description:"session store, memory or mysql"`
	Mysql  *database.Options `json:"mysql,omitempty"`
	Redis  *redis.Options    `json:"redis,omitempty"`
}

func DefaultOptions() *Options {
	return &Options{
		Driver: DriverMemory,
		Mysql:  database.NewDefaultOptions(),
		Redis:  redis.NewDefaultOptions(),
	}
}

func (o *Options) RegistFlags(prefix string, fs *pflag.FlagSet) {
	fs.StringVar(&o.Driver, utils.JoinFlagName(prefix, "driver"), o.Driver, "session store, memory or mysql")
	o.Mysql.RegistFlags(utils.JoinFlagName(prefix, "mysql"), fs)
	o.Redis.RegistFlags(utils.JoinFlagName(prefix, "redis"), fs)
}

// Open connects the configured store. The mysql store is migrated before it
// is returned.
func Open(ctx context.Context, options *Options) (Admin, error) {
	switch options.Driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverMysql:
		db, err := database.NewDatabase(options.Mysql)
		if err != nil {
			return nil, fmt.Errorf("connect mysql: %w", err)
		}
		cli, err := redis.NewClient(ctx, options.Redis)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		store := NewStore(db.DB(), cli.Client)
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate session store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session store driver %q", options.Driver)
	}
}
