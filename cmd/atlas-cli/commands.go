package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	atlas "github.com/atlaskv/atlas-go"
	"github.com/atlaskv/atlas-go/wire"
)

func newKey(userKey string) (*atlas.Key, error) {
	return atlas.NewKey(viper.GetString("namespace"), viper.GetString("set"), userKey)
}

func printRecord(record *atlas.Record) {
	fmt.Printf("generation=%d expiration=%d\n", record.Generation, record.Expiration)
	for name, value := range record.Bins {
		decoded, err := client.DecodeValue(value)
		if err != nil {
			fmt.Printf("  %s = <%d bytes, type %d>\n", name, len(value.Bytes), value.Type)
			continue
		}
		fmt.Printf("  %s = %v\n", name, decoded)
	}
}

var getCmd = &cobra.Command{
	Use:               "get <key> [bin...]",
	Short:             "Read a record",
	Args:              cobra.MinimumNArgs(1),
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := newKey(args[0])
		if err != nil {
			return err
		}
		record, err := client.Get(context.Background(), nil, key, args[1:]...)
		if err != nil {
			var serverErr *atlas.ServerError
			if errors.As(err, &serverErr) && serverErr.Code == wire.ResultKeyNotFound {
				fmt.Println("not found")
				return nil
			}
			return err
		}
		printRecord(record)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:               "put <key> <bin>=<value>...",
	Short:             "Write bins to a record",
	Args:              cobra.MinimumNArgs(2),
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := newKey(args[0])
		if err != nil {
			return err
		}
		bins, err := parseBins(args[1:])
		if err != nil {
			return err
		}
		policy := client.DefaultWritePolicy
		if ttl, _ := cmd.Flags().GetUint32("ttl"); ttl > 0 {
			p := *policy
			p.Expiration = ttl
			policy = &p
		}
		if err := client.Put(context.Background(), policy, key, bins...); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var delCmd = &cobra.Command{
	Use:               "del <key>",
	Short:             "Delete a record",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := newKey(args[0])
		if err != nil {
			return err
		}
		existed, err := client.Delete(context.Background(), nil, key)
		if err != nil {
			return err
		}
		if existed {
			fmt.Println("deleted")
		} else {
			fmt.Println("not found")
		}
		return nil
	},
}

var existsCmd = &cobra.Command{
	Use:               "exists <key>",
	Short:             "Check whether a record exists",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := newKey(args[0])
		if err != nil {
			return err
		}
		exists, err := client.Exists(context.Background(), nil, key)
		if err != nil {
			return err
		}
		fmt.Println(exists)
		return nil
	},
}

var incrCmd = &cobra.Command{
	Use:               "incr <key> <bin> <delta>",
	Short:             "Increment an integer bin",
	Args:              cobra.ExactArgs(3),
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := newKey(args[0])
		if err != nil {
			return err
		}
		delta, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid delta %q: %w", args[2], err)
		}
		value, err := client.EncodeValue(delta)
		if err != nil {
			return err
		}
		record, err := client.Operate(context.Background(), nil, key,
			atlas.AddBinOp(atlas.Bin{Name: args[1], Value: value}),
			atlas.GetBinOp(args[1]),
		)
		if err != nil {
			return err
		}
		printRecord(record)
		return nil
	},
}

var touchCmd = &cobra.Command{
	Use:               "touch <key> <ttl_seconds>",
	Short:             "Reset a record's TTL",
	Args:              cobra.ExactArgs(2),
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := newKey(args[0])
		if err != nil {
			return err
		}
		ttl, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid ttl %q: %w", args[1], err)
		}
		policy := *client.DefaultWritePolicy
		policy.Expiration = uint32(ttl)
		if err := client.Touch(context.Background(), &policy, key); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil
	},
}

var mgetCmd = &cobra.Command{
	Use:               "mget <key>...",
	Short:             "Read several records in one batch",
	Args:              cobra.MinimumNArgs(1),
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := make([]*atlas.Key, len(args))
		for i, arg := range args {
			key, err := newKey(arg)
			if err != nil {
				return err
			}
			keys[i] = key
		}
		records, err := client.BatchGet(context.Background(), nil, keys)
		if err != nil {
			return err
		}
		for i, record := range records {
			if record == nil {
				fmt.Printf("%s: not found\n", args[i])
				continue
			}
			fmt.Printf("%s:\n", args[i])
			printRecord(record)
		}
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:               "scan",
	Short:             "Stream every record of the namespace",
	Args:              cobra.NoArgs,
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		rs, err := client.Scan(context.Background(), nil, viper.GetString("namespace"), viper.GetString("set"))
		if err != nil {
			return err
		}
		defer rs.Close()

		count := 0
		for result := range rs.Results() {
			if result.Err != nil {
				return result.Err
			}
			fmt.Printf("%x:\n", result.Record.Key.Digest())
			printRecord(result.Record)
			count++
			if limit > 0 && count >= limit {
				break
			}
		}
		fmt.Printf("%d records\n", count)
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:               "query <bin> <min> <max>",
	Short:             "Stream records whose integer bin lies in [min, max]",
	Args:              cobra.ExactArgs(3),
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		min, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid min %q: %w", args[1], err)
		}
		max, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid max %q: %w", args[2], err)
		}
		statement := &atlas.Statement{
			Namespace: viper.GetString("namespace"),
			SetName:   viper.GetString("set"),
			Range:     &atlas.IndexRange{BinName: args[0], Min: min, Max: max},
		}
		rs, err := client.Query(context.Background(), nil, statement)
		if err != nil {
			return err
		}
		defer rs.Close()

		count := 0
		for result := range rs.Results() {
			if result.Err != nil {
				return result.Err
			}
			fmt.Printf("%x:\n", result.Record.Key.Digest())
			printRecord(result.Record)
			count++
		}
		fmt.Printf("%d records\n", count)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:               "stats",
	Short:             "Show cluster topology and per-node pool stats",
	Args:              cobra.NoArgs,
	PersistentPreRunE: setupClient,
	PersistentPostRun: teardownClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		cs := client.ClusterStats()
		fmt.Printf("tend cycles: %d, nodes added: %d, removed: %d, map rebuilds: %d\n",
			cs.TendCount, cs.NodesAdded, cs.NodesRemoved, cs.MapRebuilds)
		for _, node := range client.Cluster().Nodes() {
			ps := node.Stats()
			fmt.Printf("%s (%s): state=%s conns=%d idle=%d created=%d destroyed=%d\n",
				node.Name(), node.Address(), node.State(),
				ps.TotalConns, ps.IdleConns, ps.CreatedConns, ps.DestroyedConns)
		}
		return nil
	},
}

func parseBins(args []string) ([]atlas.Bin, error) {
	bins := make([]atlas.Bin, 0, len(args))
	for _, arg := range args {
		name, raw, found := strings.Cut(arg, "=")
		if !found {
			return nil, fmt.Errorf("invalid bin %q, want name=value", arg)
		}
		// Integers stay integers so incr works on them later.
		var v any = raw
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			v = n
		}
		value, err := client.EncodeValue(v)
		if err != nil {
			return nil, err
		}
		bins = append(bins, atlas.Bin{Name: name, Value: value})
	}
	return bins, nil
}

func init() {
	putCmd.Flags().Uint32("ttl", 0, "record TTL in seconds")
	scanCmd.Flags().Int("limit", 0, "stop after this many records (0 = all)")
}
