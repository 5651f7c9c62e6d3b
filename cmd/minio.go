package cmd

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"SyncFM/config"
	"SyncFM/db"
	"SyncFM/model"
	"SyncFM/repository"
	"SyncFM/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix        string
	minioStats         bool
	minioOrphans       bool
	minioDeleteOrphans bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看MinIO存储桶中的音频和封面，显示统计信息，找出播放列表中已不存在的孤儿对象。`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		ctx := cmd.Context()
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		store, err := storage.NewMediaStore(ctx, cfg)
		if err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}

		objects, stats, err := store.List(ctx, minioPrefix)
		if err != nil {
			log.Fatalf("列出文件失败: %v", err)
		}

		switch {
		case minioOrphans || minioDeleteOrphans:
			orphans(ctx, cfg, store, objects)
		case minioStats:
			printStats(store.Bucket(), stats)
		default:
			for _, obj := range objects {
				fmt.Printf("%-60s %10s  %s\n", obj.Key, storage.FormatSize(obj.Size), obj.LastModified.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("\n共 %d 个文件, %s\n", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
		}
	},
}

func printStats(bucket string, stats *storage.BucketStats) {
	fmt.Printf("\n存储桶: %s\n", bucket)
	fmt.Printf("对象数: %d\n", stats.TotalObjects)
	fmt.Printf("总大小: %s\n", storage.FormatSize(stats.TotalSize))
	if !stats.LastModified.IsZero() {
		fmt.Printf("最后修改: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
	}

	exts := make([]string, 0, len(stats.ByExtension))
	for ext := range stats.ByExtension {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	fmt.Println("\n按扩展名:")
	for _, ext := range exts {
		fmt.Printf("  %-8s %d\n", ext, stats.ByExtension[ext])
	}
}

// orphans 找出数据库中没有对应曲目的音频对象
func orphans(ctx context.Context, cfg *config.Config, store *storage.MediaStore, objects []storage.ObjectInfo) {
	if err := db.ConnectGormDB(cfg); err != nil {
		log.Fatalf("无法连接到数据库: %v", err)
	}
	defer db.CloseGormDB()
	repo := repository.NewGormTrackRepository(db.GormDB)

	var found []storage.ObjectInfo
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, model.UploadPrefix) {
			continue
		}
		used, err := repo.ExistsByPath(ctx, obj.Key)
		if err != nil {
			log.Fatalf("查询曲目失败: %v", err)
		}
		if !used {
			found = append(found, obj)
		}
	}

	if len(found) == 0 {
		fmt.Println("没有孤儿对象")
		return
	}
	for _, obj := range found {
		fmt.Printf("孤儿对象: %s (%s)\n", obj.Key, storage.FormatSize(obj.Size))
		if minioDeleteOrphans {
			if err := store.Remove(ctx, obj.Key); err != nil {
				fmt.Printf("  删除失败: %v\n", err)
			}
		}
	}
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "显示存储桶统计信息")
	minioCmd.Flags().BoolVar(&minioOrphans, "orphans", false, "列出播放列表中不存在的音频对象")
	minioCmd.Flags().BoolVar(&minioDeleteOrphans, "delete-orphans", false, "删除孤儿对象")

	minioCmd.Example = `  # 列出所有文件
  syncfm minio

  # 按前缀过滤文件
  syncfm minio -p "uploads/"

  # 显示存储桶统计信息
  syncfm minio -s

  # 清理孤儿对象
  syncfm minio --delete-orphans`
}
