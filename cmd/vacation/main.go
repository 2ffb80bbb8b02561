// Command vacation runs the travel-reservation STM benchmark: it
// populates a Manager, drives c clients through their transaction
// quotas in parallel, and reports the elapsed wall-clock time of the
// parallel phase.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var p runParams

	cmd := &cobra.Command{
		Use:   "vacation",
		Short: "STM travel-reservation benchmark",
		Long: `vacation stresses a software-transactional-memory runtime with a
multi-threaded online travel-reservation workload: clients concurrently
reserve and cancel cars, flights, and rooms against a shared in-memory
database of relations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(p)
		},
	}

	flags := cmd.Flags()
	flags.Int64VarP(&p.clients, "clients", "c", defaultClients, "number of client threads")
	flags.Int64VarP(&p.number, "number", "n", defaultNumber, "queries per transaction")
	flags.Int64VarP(&p.queryPercent, "querypercent", "q", defaultQueryPercent, "percentage of relations queried")
	flags.Int64VarP(&p.relations, "relations", "r", defaultRelations, "total number of relations")
	flags.Int64VarP(&p.transactions, "transactions", "t", defaultTransactions, "total number of transactions")
	flags.Int64VarP(&p.userPercent, "userpercent", "u", defaultUserPercent, "percent user (vs. admin) transactions")
	flags.Int64Var(&p.seed, "seed", 1, "PRNG seed")

	return cmd
}
